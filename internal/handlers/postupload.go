package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/crateway/crateway/internal/auth"
	s3err "github.com/crateway/crateway/internal/errors"
	"github.com/crateway/crateway/internal/metadata"
	"github.com/crateway/crateway/internal/xmlutil"
)

// defaultPostFormMaxObjectSize bounds browser form uploads when the server
// has no configured max object size.
const defaultPostFormMaxObjectSize = 5 * 1024 * 1024 * 1024 // 5 GiB

// postPolicyDocument is the subset of a POST policy document this server
// inspects. Condition matching beyond expiration is not enforced.
type postPolicyDocument struct {
	Expiration string `json:"expiration"`
}

// PostObjectForm handles POST /{bucket} with a multipart/form-data body: the
// browser-upload form described by RFC 7578, where the file field carries the
// object data and a policy/signature pair (embedded as form fields rather
// than an Authorization header) authorizes the upload.
func (h *ObjectHandler) PostObjectForm(w http.ResponseWriter, r *http.Request, verifier *auth.SigV4Verifier) {
	if h.meta == nil || h.store == nil || verifier == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)

	mr, err := r.MultipartReader()
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPOSTRequest)
		return
	}

	fields := make(map[string]string)
	var filePart *multipart.Part

	// Fields must precede the file part; stop scanning as soon as it's
	// found so the file's data isn't drained by a further NextPart call.
	for filePart == nil {
		part, err := mr.NextPart()
		if err == io.EOF {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPOSTRequest)
			return
		}
		if err != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPOSTRequest)
			return
		}

		name := strings.ToLower(part.FormName())
		if name == "file" {
			filePart = part
			break
		}

		value, err := io.ReadAll(io.LimitReader(part, 1<<20))
		part.Close()
		if err != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPOSTRequest)
			return
		}
		fields[name] = string(value)
	}

	maxSize := h.maxObjectSize
	if maxSize <= 0 {
		maxSize = defaultPostFormMaxObjectSize
	}
	fileBytes, err := io.ReadAll(io.LimitReader(filePart, maxSize+1))
	filePart.Close()
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPOSTRequest)
		return
	}
	if int64(len(fileBytes)) > maxSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	// The file field must be the last part; any further part is malformed.
	if _, err := mr.NextPart(); err != io.EOF {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPOSTRequest)
		return
	}

	key := fields["key"]
	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > 1024 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}

	cred, authErr := verifier.VerifyPostPolicy(ctx, auth.PostPolicyFields{
		Policy:     fields["policy"],
		Credential: fields["x-amz-credential"],
		Signature:  fields["x-amz-signature"],
	})
	if authErr != nil {
		writePostAuthError(w, r, authErr)
		return
	}

	if expired, err := postPolicyExpired(fields["policy"]); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPOSTRequest)
		return
	} else if expired {
		xmlutil.WriteErrorResponse(w, r, &s3err.S3Error{
			Code:       "AccessDenied",
			Message:    "Invalid according to Policy: Policy expired.",
			HTTPStatus: 403,
		})
		return
	}

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		log.Printf("PostObjectForm GetBucket error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	contentType := fields["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	userMeta := make(map[string]string)
	for k, v := range fields {
		if strings.HasPrefix(k, "x-amz-meta-") {
			userMeta[strings.TrimPrefix(k, "x-amz-meta-")] = v
		}
	}
	if len(userMeta) == 0 {
		userMeta = nil
	}

	var aclJSON json.RawMessage
	if cannedACL := fields["acl"]; cannedACL != "" {
		acp := parseCannedACL(cannedACL, cred.OwnerID, cred.DisplayName)
		aclJSON = aclToJSON(acp)
	} else {
		aclJSON = defaultPrivateACL(cred.OwnerID, cred.DisplayName)
	}

	bytesWritten, etag, err := h.store.PutObject(ctx, bucketName, key, bytes.NewReader(fileBytes), int64(len(fileBytes)))
	if err != nil {
		log.Printf("PostObjectForm storage error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	objRecord := &metadata.ObjectRecord{
		Bucket:       bucketName,
		Key:          key,
		Size:         bytesWritten,
		ETag:         etag,
		ContentType:  contentType,
		StorageClass: "STANDARD",
		ACL:          aclJSON,
		UserMetadata: userMeta,
		LastModified: now,
	}
	if err := h.meta.PutObject(ctx, objRecord); err != nil {
		log.Printf("PostObjectForm metadata error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	if redirect := fields["success_action_redirect"]; redirect != "" {
		http.Redirect(w, r, redirect, http.StatusSeeOther)
		return
	}
	status := http.StatusNoContent
	if code := fields["success_action_status"]; code == "200" {
		status = http.StatusOK
	} else if code == "201" {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
}

// postPolicyExpired decodes a base64 POST policy document and reports
// whether its expiration timestamp has passed.
func postPolicyExpired(policyB64 string) (bool, error) {
	if policyB64 == "" {
		return false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(policyB64)
	if err != nil {
		return false, err
	}
	var doc postPolicyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, err
	}
	if doc.Expiration == "" {
		return false, nil
	}
	expiry, err := time.Parse(time.RFC3339, doc.Expiration)
	if err != nil {
		return false, err
	}
	return time.Now().UTC().After(expiry), nil
}

// writePostAuthError maps a policy-signature AuthError to its S3 error response.
func writePostAuthError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*auth.AuthError)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	switch authErr.Code {
	case "InvalidAccessKeyId":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidAccessKeyId)
	case "SignatureDoesNotMatch":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrSignatureDoesNotMatch)
	case "AuthorizationHeaderMalformed":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAuthorizationHeaderMalformed)
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
	}
}
