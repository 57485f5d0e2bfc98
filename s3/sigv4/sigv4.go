// Package sigv4 verifies AWS Signature Version 4 on incoming S3 requests.
//
// Only the single static credential pair from configuration is accepted.
// Requests without an Authorization header pass through; gating
// unauthenticated access is the HTTP layer's decision.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	authPrefix      = "AWS4-HMAC-SHA256 "
	service         = "s3"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	amzDateFormat   = "20060102T150405Z"

	// maxClockSkew bounds |server time - x-amz-date|.
	maxClockSkew = 15 * time.Minute
)

var (
	ErrMalformedAuth         = errors.New("sigv4: malformed Authorization header")
	ErrInvalidAccessKey      = errors.New("sigv4: unknown access key id")
	ErrRequestTimeTooSkewed  = errors.New("sigv4: request time too skewed")
	ErrSignatureDoesNotMatch = errors.New("sigv4: signature does not match")
)

// Verifier checks request signatures against one configured credential.
type Verifier struct {
	AccessKeyID     string
	SecretAccessKey string

	// Now is the clock used for skew checks. Defaults to time.Now.
	Now func() time.Time
}

type authInfo struct {
	accessKeyID   string
	date          string
	region        string
	signedHeaders []string
	signature     string
}

func parseAuthorization(header string) (*authInfo, error) {
	rest, ok := strings.CutPrefix(header, authPrefix)
	if !ok {
		return nil, ErrMalformedAuth
	}

	var credential, signedHeaders, signature string
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "Credential="):
			credential = strings.TrimPrefix(part, "Credential=")
		case strings.HasPrefix(part, "SignedHeaders="):
			signedHeaders = strings.TrimPrefix(part, "SignedHeaders=")
		case strings.HasPrefix(part, "Signature="):
			signature = strings.TrimPrefix(part, "Signature=")
		}
	}
	if credential == "" || signedHeaders == "" || signature == "" {
		return nil, ErrMalformedAuth
	}

	// Credential scope path: <key>/<date>/<region>/s3/aws4_request
	parts := strings.SplitN(credential, "/", 5)
	if len(parts) < 5 {
		return nil, ErrMalformedAuth
	}
	return &authInfo{
		accessKeyID:   parts[0],
		date:          parts[1],
		region:        parts[2],
		signedHeaders: strings.Split(signedHeaders, ";"),
		signature:     signature,
	}, nil
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// signingKey derives the SigV4 key chain for the s3 service.
func signingKey(secret, date, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

// canonicalQuery sorts the raw query parameters by key without decoding
// either side.
func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var params [][2]string
	for _, param := range strings.Split(rawQuery, "&") {
		if param == "" {
			continue
		}
		k, v, _ := strings.Cut(param, "=")
		params = append(params, [2]string{k, v})
	}
	sort.SliceStable(params, func(i, j int) bool { return params[i][0] < params[j][0] })
	parts := make([]string, len(params))
	for i, kv := range params {
		parts[i] = kv[0] + "=" + kv[1]
	}
	return strings.Join(parts, "&")
}

func canonicalRequest(r *http.Request, signedHeaders []string, payloadHash string) string {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	var headers strings.Builder
	for _, name := range signedHeaders {
		value := r.Header.Get(name)
		if strings.EqualFold(name, "host") {
			value = host
		}
		headers.WriteString(strings.ToLower(name))
		headers.WriteString(":")
		headers.WriteString(strings.TrimSpace(value))
		headers.WriteString("\n")
	}

	return strings.Join([]string{
		r.Method,
		path,
		canonicalQuery(r.URL.RawQuery),
		headers.String(),
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n")
}

// Verify checks the request's signature. A request with no Authorization
// header verifies trivially.
func (v *Verifier) Verify(r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil
	}

	auth, err := parseAuthorization(header)
	if err != nil {
		return err
	}
	if auth.accessKeyID != v.AccessKeyID {
		return ErrInvalidAccessKey
	}

	amzDate := r.Header.Get("x-amz-date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate != "" {
		if t, err := time.Parse(amzDateFormat, amzDate); err == nil {
			now := time.Now
			if v.Now != nil {
				now = v.Now
			}
			skew := now().UTC().Sub(t)
			if skew < 0 {
				skew = -skew
			}
			if skew > maxClockSkew {
				return fmt.Errorf("%w: %s", ErrRequestTimeTooSkewed, amzDate)
			}
		}
	}

	payloadHash := r.Header.Get("x-amz-content-sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}

	creq := canonicalRequest(r, auth.signedHeaders, payloadHash)
	creqHash := sha256.Sum256([]byte(creq))

	scope := strings.Join([]string{auth.date, auth.region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(creqHash[:]),
	}, "\n")

	key := signingKey(v.SecretAccessKey, auth.date, auth.region)
	want := hex.EncodeToString(hmacSHA256(key, stringToSign))
	if !hmac.Equal([]byte(want), []byte(auth.signature)) {
		return fmt.Errorf("%w: computed %s", ErrSignatureDoesNotMatch, want)
	}
	return nil
}

// Middleware wraps next with signature verification. Failures are handed
// to reject, which is responsible for the error response.
func (v *Verifier) Middleware(reject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.Verify(r); err != nil {
				reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
