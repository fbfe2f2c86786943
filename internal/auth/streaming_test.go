package auth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// buildChunkedBody encodes chunks per STREAMING-AWS4-HMAC-SHA256-PAYLOAD,
// returning the wire body and the seed signature chunk signing starts from.
func buildChunkedBody(t *testing.T, chunks [][]byte, signingKey []byte, dateStr, region, svc, amzDate, seedSignature string) []byte {
	t.Helper()
	scope := fmt.Sprintf("%s/%s/%s/%s", dateStr, region, svc, scopeTerminator)
	emptyHash := sha256.Sum256(nil)

	var buf bytes.Buffer
	prev := seedSignature
	write := func(data []byte) {
		dataHash := sha256.Sum256(data)
		stringToSign := "AWS4-HMAC-SHA256-PAYLOAD\n" +
			amzDate + "\n" +
			scope + "\n" +
			prev + "\n" +
			hex.EncodeToString(emptyHash[:]) + "\n" +
			hex.EncodeToString(dataHash[:])
		sig := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
		fmt.Fprintf(&buf, "%x;chunk-signature=%s\r\n", len(data), sig)
		buf.Write(data)
		buf.WriteString("\r\n")
		prev = sig
	}
	for _, c := range chunks {
		write(c)
	}
	write(nil) // terminal zero-length chunk
	return buf.Bytes()
}

func TestVerifyRequestStreamingChunkedPayload(t *testing.T) {
	store := newTestStore(t)
	accessKey, secretKey, region := "AKIDEXAMPLE", "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY", "us-east-1"
	seedTestCredential(t, store, accessKey, secretKey)
	verifier := NewSigV4Verifier(store, region)

	signTime := time.Date(2013, 5, 24, 0, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return signTime }
	t.Cleanup(func() { timeNow = time.Now })
	amzDate := signTime.Format(amzDateFormat)
	dateStr := signTime.Format(amzDateShort)

	payload := []byte("hello world, this is a streamed upload body")

	req := httptest.NewRequest(http.MethodPut, "http://s3.amazonaws.com/examplebucket/chunked-object.txt", bytes.NewReader(nil))
	req.Header.Set("X-Amz-Content-Sha256", streamingPayload)
	req.Header.Set("Content-Encoding", "aws-chunked")
	req.ContentLength = int64(len(payload))
	signRequest(req, accessKey, secretKey, region, signTime)

	// Recover the seed signature that signRequest just computed so the chunk
	// chain starts from the same value the verifier will derive.
	parsed, err := parseAuthorizationHeader(req.Header.Get("Authorization"))
	if err != nil {
		t.Fatalf("parseAuthorizationHeader: %v", err)
	}
	signingKey := deriveSigningKey(secretKey, dateStr, region, service)

	body := buildChunkedBody(t, [][]byte{payload}, signingKey, dateStr, region, service, amzDate, parsed.Signature)
	req.Body = io.NopCloser(bytes.NewReader(body))

	cred, err := verifier.VerifyRequest(req)
	if err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	if cred.AccessKeyID != accessKey {
		t.Fatalf("got access key %q, want %q", cred.AccessKeyID, accessKey)
	}

	decoded, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("reading decoded chunked body: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("decoded body = %q, want %q", decoded, payload)
	}
}

func TestVerifyRequestStreamingChunkedPayloadTamperedChunk(t *testing.T) {
	store := newTestStore(t)
	accessKey, secretKey, region := "AKIDEXAMPLE", "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY", "us-east-1"
	seedTestCredential(t, store, accessKey, secretKey)
	verifier := NewSigV4Verifier(store, region)

	signTime := time.Date(2013, 5, 24, 0, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return signTime }
	t.Cleanup(func() { timeNow = time.Now })
	amzDate := signTime.Format(amzDateFormat)
	dateStr := signTime.Format(amzDateShort)

	payload := []byte("original chunk contents")

	req := httptest.NewRequest(http.MethodPut, "http://s3.amazonaws.com/examplebucket/chunked-object.txt", bytes.NewReader(nil))
	req.Header.Set("X-Amz-Content-Sha256", streamingPayload)
	req.ContentLength = int64(len(payload))
	signRequest(req, accessKey, secretKey, region, signTime)

	parsed, err := parseAuthorizationHeader(req.Header.Get("Authorization"))
	if err != nil {
		t.Fatalf("parseAuthorizationHeader: %v", err)
	}
	signingKey := deriveSigningKey(secretKey, dateStr, region, service)

	body := buildChunkedBody(t, [][]byte{payload}, signingKey, dateStr, region, service, amzDate, parsed.Signature)

	// Flip a byte in the chunk data without recomputing its signature.
	tamperIdx := bytes.IndexByte(body, '\n') + 1
	body[tamperIdx] ^= 0xFF

	req.Body = io.NopCloser(bytes.NewReader(body))

	if _, err := verifier.VerifyRequest(req); err != nil {
		t.Fatalf("VerifyRequest (header signature) should still pass: %v", err)
	}

	if _, err := io.ReadAll(req.Body); err == nil {
		t.Fatal("expected chunk signature verification to fail on tampered data, got nil error")
	} else if !bytes.Contains([]byte(err.Error()), []byte(ErrChunkSignatureMismatch.Error())) {
		t.Fatalf("expected ErrChunkSignatureMismatch, got %v", err)
	}
}
