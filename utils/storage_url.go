package utils

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

const gcsHost = "storage.googleapis.com"

var ErrForeignBucket = errors.New("object is not in GCS_BUCKET")

// ObjectKeyFromURL resolves a document url to an object key in GCS_BUCKET.
// Accepted forms:
//
//	12/requests/34/spp.pdf
//	gs://<bucket>/12/requests/34/spp.pdf
//	https://storage.googleapis.com/<bucket>/12/requests/34/spp.pdf
//	https://<bucket>.storage.googleapis.com/12/requests/34/spp.pdf
func ObjectKeyFromURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	var bucket, key string
	switch {
	case strings.HasPrefix(rawURL, "gs://"):
		bucket, key, _ = strings.Cut(strings.TrimPrefix(rawURL, "gs://"), "/")
	case strings.Contains(rawURL, "://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		host := strings.ToLower(u.Host)
		path := strings.TrimPrefix(u.Path, "/")
		switch {
		case host == gcsHost:
			bucket, key, _ = strings.Cut(path, "/")
		case strings.HasSuffix(host, "."+gcsHost):
			bucket, key = strings.TrimSuffix(host, "."+gcsHost), path
		default:
			return "", fmt.Errorf("unsupported storage host %q", u.Host)
		}
	default:
		key = rawURL
	}

	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key in %q", rawURL)
	}
	if bucket != "" && bucket != strings.TrimSpace(os.Getenv("GCS_BUCKET")) {
		return "", fmt.Errorf("%w: %q", ErrForeignBucket, bucket)
	}
	return key, nil
}
