// Package s3api implements the S3-compatible object surface: GET/PUT/
// HEAD/DELETE/list against the Files Store, plus HMAC pre-signed URL
// generation and validation.
//
// The presign scheme is a plain HMAC over the request tuple, not AWS SigV4
// (SigV4 is out of scope and rejected); the aws-sdk-go-v2/service/s3 client lives
// instead in internal/importexport's export path, as the outbound client
// talking to an *external* S3-compatible destination.
package s3api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/filesstore"
	"github.com/keboola/storage-backend/internal/registry"
)

// BucketName returns the S3-surface bucket name for a project:
// project_<project_id>.
func BucketName(projectID string) string {
	return "project_" + projectID
}

// ProjectIDFromBucket reverses BucketName, or returns false if bucket isn't
// shaped like one of ours.
func ProjectIDFromBucket(bucket string) (string, bool) {
	const prefix = "project_"
	if !strings.HasPrefix(bucket, prefix) {
		return "", false
	}
	return strings.TrimPrefix(bucket, prefix), true
}

// fileLister is the subset of the registry the adapter needs to translate an
// S3 key back to a Files Store file id.
type fileLister interface {
	ListByTag(ctx context.Context, projectID, tag string) (*registry.File, error)
}

// Adapter translates S3-shaped operations into Files Store calls.
type Adapter struct {
	files *filesstore.Store
	reg   fileLister
}

func New(files *filesstore.Store, reg fileLister) *Adapter {
	return &Adapter{files: files, reg: reg}
}

// ObjectMeta is what HEAD/GET/list report about a stored object.
type ObjectMeta struct {
	Key          string
	SizeBytes    int64
	ETag         string // hex MD5 of the stored bytes
	LastModified time.Time
}

// Put stores data at key inside bucket=project_<projectID>'s object space, by
// delegating to the Files Store's prepare->upload->register workflow. The S3
// key becomes the file's tag so List can reconstruct the key->file mapping.
func (a *Adapter) Put(ctx context.Context, projectID, key string, body io.Reader) (*ObjectMeta, error) {
	// An S3 PUT overwrites; delete any object already stored under key so
	// Put-over-Put doesn't leave two files claiming the same tag.
	if existing, err := a.reg.ListByTag(ctx, projectID, "s3key:"+key); err == nil && existing != nil {
		_ = a.files.Delete(ctx, existing.ID)
	}

	prep, err := a.files.Prepare(ctx, projectID)
	if err != nil {
		return nil, err
	}
	up, err := a.files.Upload(ctx, projectID, prep.UploadKey, body)
	if err != nil {
		return nil, err
	}
	f, err := a.files.Register(ctx, projectID, prep.UploadKey, *up, filesstore.RegisterOptions{
		OrigName: lastSegment(key),
		Tags:     "s3key:" + key,
	})
	if err != nil {
		return nil, err
	}
	return &ObjectMeta{Key: key, SizeBytes: f.SizeBytes, ETag: f.MD5}, nil
}

// Get opens the object stored under key for reading. The S3 surface treats
// bucket+key as the object identity, while the Files Store addresses by
// file id, so the tag-based lookup this Adapter writes in Put is also what
// it reads here.
func (a *Adapter) Get(ctx context.Context, projectID, key string) (*registry.File, io.ReadCloser, error) {
	f, err := a.reg.ListByTag(ctx, projectID, "s3key:"+key)
	if err != nil {
		return nil, nil, err
	}
	if f == nil {
		return nil, nil, errs.New(errs.NotFound, "NoSuchKey")
	}
	_, rc, err := a.files.Download(ctx, f.ID)
	if err != nil {
		return nil, nil, err
	}
	return f, rc, nil
}

// Head resolves key to its stored metadata without reading the body.
func (a *Adapter) Head(ctx context.Context, projectID, key string) (*ObjectMeta, error) {
	f, err := a.reg.ListByTag(ctx, projectID, "s3key:"+key)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errs.New(errs.NotFound, "NoSuchKey")
	}
	return &ObjectMeta{Key: key, SizeBytes: f.SizeBytes, ETag: f.MD5, LastModified: f.CreatedAt}, nil
}

// Delete removes the object stored under key.
func (a *Adapter) Delete(ctx context.Context, projectID, key string) error {
	f, err := a.reg.ListByTag(ctx, projectID, "s3key:"+key)
	if err != nil {
		return err
	}
	if f == nil {
		return errs.New(errs.NotFound, "NoSuchKey")
	}
	return a.files.Delete(ctx, f.ID)
}

// List returns every stored object's metadata for a project, for the caller
// to pass through ApplyListV2. The Files Store has no direct "list by
// project" query beyond the registry's files table, so this walks it via
// ListAllByProject.
func (a *Adapter) List(ctx context.Context, lister interface {
	ListAllByProject(ctx context.Context, projectID string) ([]registry.File, error)
}, projectID string) ([]ObjectMeta, error) {
	files, err := lister.ListAllByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]ObjectMeta, 0, len(files))
	for _, f := range files {
		key, ok := keyFromTag(f.Tags)
		if !ok {
			continue
		}
		out = append(out, ObjectMeta{Key: key, SizeBytes: f.SizeBytes, ETag: f.MD5, LastModified: f.CreatedAt})
	}
	return out, nil
}

func keyFromTag(tags string) (string, bool) {
	const prefix = "s3key:"
	if !strings.HasPrefix(tags, prefix) {
		return "", false
	}
	return strings.TrimPrefix(tags, prefix), true
}

func lastSegment(key string) string {
	idx := strings.LastIndexByte(key, '/')
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}

// Presign mints a pre-signed URL's signature for (method, bucket, key,
// expires), HMAC-keyed by the owning project's API key
// signingKey is the key's stored SHA256 digest rather than its plaintext:
// the registry only ever holds digests, and the validator must be able to
// recompute the MAC from what it has on file. The REST layer derives the
// same digest from the plaintext the caller presents at presign time.
func Presign(signingKey, method, bucket, key string, expires time.Time) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(method))
	mac.Write([]byte{0})
	mac.Write([]byte(bucket))
	mac.Write([]byte{0})
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires.Unix(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidatePresigned checks a presented signature in constant time and
// enforces the expiry window; validation is wall-clock-based. signingKey is
// the same stored key digest Presign was keyed with.
func ValidatePresigned(signingKey, method, bucket, key, signature string, expiresUnix int64, now time.Time) error {
	if now.Unix() > expiresUnix {
		return errs.New(errs.Unauthenticated, "presigned URL expired")
	}
	expected := Presign(signingKey, method, bucket, key, time.Unix(expiresUnix, 0))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return errs.New(errs.Unauthenticated, "presigned URL signature invalid")
	}
	return nil
}

// ValidatePresignedAny accepts the signature if it verifies against any of
// the project's stored key digests. Revoking a key therefore also invalidates
// every URL it signed.
func ValidatePresignedAny(signingKeys []string, method, bucket, key, signature string, expiresUnix int64, now time.Time) error {
	if len(signingKeys) == 0 {
		return errs.New(errs.Unauthenticated, "project has no api keys to validate against")
	}
	var lastErr error
	for _, sk := range signingKeys {
		if lastErr = ValidatePresigned(sk, method, bucket, key, signature, expiresUnix, now); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// ListV2Result mirrors the S3 ListObjectsV2 response shape.
type ListV2Result struct {
	Prefix         string
	Delimiter      string
	Contents       []ObjectMeta
	CommonPrefixes []string
	IsTruncated    bool
}

// ApplyListV2 groups objects under prefix by delimiter, per the S3 v2-style
// listing semantics (used by a caller that has already
// fetched every matching object's metadata from the Files Store).
func ApplyListV2(objects []ObjectMeta, prefix, delimiter string, maxKeys int) ListV2Result {
	result := ListV2Result{Prefix: prefix, Delimiter: delimiter}
	seenPrefixes := make(map[string]bool)

	for _, o := range objects {
		if !strings.HasPrefix(o.Key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(o.Key, prefix)
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				common := prefix + rest[:idx+len(delimiter)]
				if !seenPrefixes[common] {
					seenPrefixes[common] = true
					result.CommonPrefixes = append(result.CommonPrefixes, common)
				}
				continue
			}
		}
		result.Contents = append(result.Contents, o)
	}

	if maxKeys > 0 && len(result.Contents) > maxKeys {
		result.Contents = result.Contents[:maxKeys]
		result.IsTruncated = true
	}
	return result
}

// ---- S3 XML shapes ----
//
// The list and error responses are XML because the S3 protocol mandates it
// there;
// everything else on the surface stays JSON.

type xmlObject struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type xmlCommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type xmlListBucketResult struct {
	XMLName        xml.Name          `xml:"ListBucketResult"`
	Name           string            `xml:"Name"`
	Prefix         string            `xml:"Prefix"`
	Delimiter      string            `xml:"Delimiter,omitempty"`
	KeyCount       int               `xml:"KeyCount"`
	MaxKeys        int               `xml:"MaxKeys"`
	IsTruncated    bool              `xml:"IsTruncated"`
	Contents       []xmlObject       `xml:"Contents"`
	CommonPrefixes []xmlCommonPrefix `xml:"CommonPrefixes"`
}

// XML renders the list result as an S3 ListObjectsV2 ListBucketResult
// document for the given bucket name.
func (r ListV2Result) XML(bucket string, maxKeys int) ([]byte, error) {
	doc := xmlListBucketResult{
		Name:        bucket,
		Prefix:      r.Prefix,
		Delimiter:   r.Delimiter,
		KeyCount:    len(r.Contents),
		MaxKeys:     maxKeys,
		IsTruncated: r.IsTruncated,
	}
	for _, o := range r.Contents {
		doc.Contents = append(doc.Contents, xmlObject{
			Key:          o.Key,
			LastModified: o.LastModified.UTC().Format(time.RFC3339),
			ETag:         `"` + o.ETag + `"`,
			Size:         o.SizeBytes,
		})
	}
	for _, p := range r.CommonPrefixes {
		doc.CommonPrefixes = append(doc.CommonPrefixes, xmlCommonPrefix{Prefix: p})
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "encoding list result", err)
	}
	return append([]byte(xml.Header), out...), nil
}

type xmlError struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

// ErrorXML renders err as the S3 error document, with its code mapped
// through ErrorCode.
func ErrorXML(err error, resource string) []byte {
	doc := xmlError{
		Code:     ErrorCode(errs.CodeOf(err)),
		Message:  err.Error(),
		Resource: resource,
	}
	out, marshalErr := xml.MarshalIndent(doc, "", "  ")
	if marshalErr != nil {
		return []byte(xml.Header + "<Error><Code>InternalError</Code></Error>")
	}
	return append([]byte(xml.Header), out...)
}

// ErrorCode maps an errs.Code to the S3-shaped error code clients parse.
func ErrorCode(code errs.Code) string {
	switch code {
	case errs.NotFound:
		return "NoSuchKey"
	case errs.Unauthenticated:
		return "SignatureDoesNotMatch"
	case errs.PermissionDenied:
		return "AccessDenied"
	default:
		return "InternalError"
	}
}

// RejectSigV4 returns the documented 401 for any request presenting AWS
// Signature V4 authorization: SigV4 is unsupported and attempts must fail
// closed, not silently degrade.
func RejectSigV4(authorizationHeader string) error {
	if strings.HasPrefix(authorizationHeader, "AWS4-HMAC-SHA256") {
		return errs.New(errs.Unauthenticated, "AWS Signature V4 is not supported; use Bearer, X-Api-Key, or presigned URLs")
	}
	return nil
}
