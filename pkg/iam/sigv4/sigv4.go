// Package sigv4 implements AWS Signature Version 4 request verification for
// the S3 serving layer.
package sigv4

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Errors returned by the verifier.
var (
	ErrAuthMissing      = errors.New("sigv4: missing authorization")
	ErrAuthInvalid      = errors.New("sigv4: invalid authorization")
	ErrSignatureMatch   = errors.New("sigv4: signature mismatch")
	ErrRequestExpired   = errors.New("sigv4: request time skew too large")
	ErrUnknownAccessKey = errors.New("sigv4: unknown access key")
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	timeFormat      = "20060102T150405Z"
	dateFormat      = "20060102"

	// Requests with an x-amz-date further than this from server time are
	// rejected.
	maxSkew = 15 * time.Minute
)

// CredentialsStore looks up a secret key by access key.
type CredentialsStore interface {
	Lookup(accessKey string) (secret string, user string, ok bool)
}

type credential struct {
	accessKey string
	date      string
	region    string
	service   string
}

// VerifyRequest checks the request's SigV4 header authentication against the
// store. The payload hash is taken from the x-amz-content-sha256 header; the
// body is never read here.
func VerifyRequest(ctx context.Context, r *http.Request, store CredentialsStore) (user string, err error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrAuthMissing
	}
	if !strings.HasPrefix(auth, algorithm+" ") {
		return "", ErrAuthInvalid
	}

	cred, signedHeaders, signature, err := parseAuthorization(auth)
	if err != nil {
		return "", err
	}
	secret, user, ok := store.Lookup(cred.accessKey)
	if !ok {
		return "", ErrUnknownAccessKey
	}

	amzDate := r.Header.Get("x-amz-date")
	if amzDate == "" {
		amzDate = r.Header.Get("X-Amz-Date")
	}
	reqTime, err := time.Parse(timeFormat, amzDate)
	if err != nil {
		return "", ErrAuthInvalid
	}
	if skew := time.Since(reqTime); skew > maxSkew || skew < -maxSkew {
		return "", ErrRequestExpired
	}
	if reqTime.Format(dateFormat) != cred.date {
		return "", ErrAuthInvalid
	}

	payloadHash := r.Header.Get("x-amz-content-sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}

	canonical := canonicalRequest(r, signedHeaders, payloadHash)
	scope := strings.Join([]string{cred.date, cred.region, cred.service, "aws4_request"}, "/")
	toSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hexSHA256([]byte(canonical)),
	}, "\n")

	key := signingKey(secret, cred.date, cred.region, cred.service)
	want := hex.EncodeToString(hmacSHA256(key, toSign))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return "", ErrSignatureMatch
	}
	return user, nil
}

// Sign signs an outgoing request with header authentication. Used by the
// replication client and by tests.
func Sign(r *http.Request, accessKey, secretKey, region string, now time.Time) {
	amzDate := now.UTC().Format(timeFormat)
	date := now.UTC().Format(dateFormat)
	r.Header.Set("x-amz-date", amzDate)
	if r.Header.Get("x-amz-content-sha256") == "" {
		r.Header.Set("x-amz-content-sha256", unsignedPayload)
	}
	r.Header.Set("Host", r.Host)

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	canonical := canonicalRequest(r, signedHeaders, r.Header.Get("x-amz-content-sha256"))
	scope := strings.Join([]string{date, region, "s3", "aws4_request"}, "/")
	toSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hexSHA256([]byte(canonical)),
	}, "\n")
	key := signingKey(secretKey, date, region, "s3")
	signature := hex.EncodeToString(hmacSHA256(key, toSign))

	r.Header.Set("Authorization", strings.Join([]string{
		algorithm + " Credential=" + accessKey + "/" + scope,
		"SignedHeaders=" + strings.Join(signedHeaders, ";"),
		"Signature=" + signature,
	}, ", "))
}

// Middleware enforces SigV4 on every request except those for which exempt
// returns true. The authenticated user is not propagated; handlers that need
// it call VerifyRequest directly.
func Middleware(store CredentialsStore, exempt func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt != nil && exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			if _, err := VerifyRequest(r.Context(), r, store); err != nil {
				status := http.StatusForbidden
				if errors.Is(err, ErrAuthMissing) {
					status = http.StatusUnauthorized
				}
				http.Error(w, "AccessDenied: "+err.Error(), status)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseAuthorization(auth string) (credential, []string, string, error) {
	rest := strings.TrimPrefix(auth, algorithm+" ")
	var cred credential
	var signedHeaders []string
	var signature string
	for _, field := range strings.Split(rest, ",") {
		field = strings.TrimSpace(field)
		switch {
		case strings.HasPrefix(field, "Credential="):
			parts := strings.Split(strings.TrimPrefix(field, "Credential="), "/")
			if len(parts) != 5 || parts[0] == "" || parts[4] != "aws4_request" {
				return credential{}, nil, "", ErrAuthInvalid
			}
			cred = credential{accessKey: parts[0], date: parts[1], region: parts[2], service: parts[3]}
		case strings.HasPrefix(field, "SignedHeaders="):
			signedHeaders = strings.Split(strings.TrimPrefix(field, "SignedHeaders="), ";")
		case strings.HasPrefix(field, "Signature="):
			signature = strings.TrimPrefix(field, "Signature=")
		}
	}
	if cred.accessKey == "" || len(signedHeaders) == 0 || signature == "" {
		return credential{}, nil, "", ErrAuthInvalid
	}
	sort.Strings(signedHeaders)
	return cred, signedHeaders, signature, nil
}

func canonicalRequest(r *http.Request, signedHeaders []string, payloadHash string) string {
	var headers strings.Builder
	for _, h := range signedHeaders {
		headers.WriteString(h)
		headers.WriteByte(':')
		if h == "host" {
			headers.WriteString(strings.TrimSpace(r.Host))
		} else {
			vals := r.Header.Values(h)
			for i, v := range vals {
				if i > 0 {
					headers.WriteByte(',')
				}
				headers.WriteString(strings.TrimSpace(v))
			}
		}
		headers.WriteByte('\n')
	}
	return strings.Join([]string{
		r.Method,
		canonicalURI(r.URL),
		canonicalQuery(r.URL.Query()),
		headers.String(),
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n")
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}

func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func signingKey(secret, date, region, service string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, service)
	return hmacSHA256(k, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
