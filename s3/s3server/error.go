package s3server

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"objectmail.dev/objstore/pipeline"
	"objectmail.dev/s3/sigv4"
)

// Error is an S3-shaped API error. It renders as the standard
// <Error><Code/><Message/><RequestId/></Error> XML body.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("s3: %s: %s", e.Code, e.Message)
}

func errAccessDenied(format string, v ...interface{}) *Error {
	return &Error{Code: "AccessDenied", Status: http.StatusForbidden, Message: fmt.Sprintf(format, v...)}
}

func errSignatureDoesNotMatch() *Error {
	return &Error{
		Code:    "SignatureDoesNotMatch",
		Status:  http.StatusForbidden,
		Message: "The request signature we calculated does not match the signature you provided",
	}
}

func errNoSuchBucket(name string) *Error {
	return &Error{Code: "NoSuchBucket", Status: http.StatusNotFound, Message: fmt.Sprintf("Bucket %q not found", name)}
}

func errNoSuchKey(key string) *Error {
	return &Error{Code: "NoSuchKey", Status: http.StatusNotFound, Message: fmt.Sprintf("Object %q not found", key)}
}

func errNoSuchUpload(id string) *Error {
	return &Error{Code: "NoSuchUpload", Status: http.StatusNotFound, Message: fmt.Sprintf("Upload %q not found", id)}
}

func errBucketAlreadyOwnedByYou(name string) *Error {
	return &Error{Code: "BucketAlreadyOwnedByYou", Status: http.StatusConflict, Message: fmt.Sprintf("Bucket %q already exists", name)}
}

func errBucketNotEmpty(name string) *Error {
	return &Error{Code: "BucketNotEmpty", Status: http.StatusConflict, Message: fmt.Sprintf("Bucket %q is not empty", name)}
}

func errInvalidBucketName(msg string) *Error {
	return &Error{Code: "InvalidBucketName", Status: http.StatusBadRequest, Message: msg}
}

func errInvalidArgument(format string, v ...interface{}) *Error {
	return &Error{Code: "InvalidArgument", Status: http.StatusBadRequest, Message: fmt.Sprintf(format, v...)}
}

func errInvalidPart(format string, v ...interface{}) *Error {
	return &Error{Code: "InvalidPart", Status: http.StatusBadRequest, Message: fmt.Sprintf(format, v...)}
}

func errInvalidPartOrder() *Error {
	return &Error{Code: "InvalidPartOrder", Status: http.StatusBadRequest, Message: "Parts must be in ascending order"}
}

func errMalformedXML(format string, v ...interface{}) *Error {
	return &Error{Code: "MalformedXML", Status: http.StatusBadRequest, Message: fmt.Sprintf(format, v...)}
}

func errInvalidRequest(msg string) *Error {
	return &Error{Code: "InvalidRequest", Status: http.StatusBadRequest, Message: msg}
}

func errMissingContentLength() *Error {
	return &Error{Code: "MissingContentLength", Status: http.StatusLengthRequired, Message: "Missing Content-Length header"}
}

func errInternal(err error) *Error {
	return &Error{Code: "InternalError", Status: http.StatusInternalServerError, Message: err.Error()}
}

// liftError maps component errors into S3-shaped ones at the HTTP
// boundary; everything unrecognized becomes InternalError.
func liftError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, sigv4.ErrSignatureDoesNotMatch):
		return errSignatureDoesNotMatch()
	case errors.Is(err, sigv4.ErrMalformedAuth):
		return errAccessDenied("Invalid Authorization header format")
	case errors.Is(err, sigv4.ErrInvalidAccessKey):
		return errAccessDenied("The AWS Access Key Id you provided does not exist in our records")
	case errors.Is(err, sigv4.ErrRequestTimeTooSkewed):
		return errAccessDenied("Request timestamp is too skewed")
	case errors.Is(err, pipeline.ErrNotFound):
		return &Error{Code: "NoSuchKey", Status: http.StatusNotFound, Message: err.Error()}
	default:
		return errInternal(err)
	}
}

type errorXML struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := liftError(err)
	if se.Status >= 500 {
		s.Logf("s3server: %s %s: %v", r.Method, r.URL.Path, err)
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(se.Status)
	body := errorXML{Code: se.Code, Message: se.Message, RequestID: uuid.NewString()}
	fmt.Fprint(w, xml.Header)
	xml.NewEncoder(w).Encode(body)
}
