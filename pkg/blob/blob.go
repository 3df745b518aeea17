package blob

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/zeebo/blake3"
)

// Client uploads artifacts to the blob store. Objects are addressed
// by content digest, so re-uploading the same bytes is idempotent and
// safe to retry.
type Client struct {
	http        *resty.Client
	downloadURL string
}

// New builds a blob client. uploadURL receives PUTs, downloadURL is
// the public base returned in artifact links.
func New(uploadURL, downloadURL, token string) *Client {
	c := resty.New().
		SetBaseURL(uploadURL).
		SetTimeout(30 * time.Minute). // multi-GB tarballs
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c, downloadURL: downloadURL}
}

// Digest returns the hex blake3 digest of the reader's content.
func Digest(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// UploadFile uploads the file at srcPath under the given artifact
// name and returns its public URL. The object key embeds the content
// digest; uploading identical content twice yields the same URL.
func (c *Client) UploadFile(ctx context.Context, srcPath, name string) (string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", srcPath, err)
	}
	digest, err := Digest(f)
	f.Close()
	if err != nil {
		return "", err
	}

	f, err = os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("reopening %s: %w", srcPath, err)
	}
	defer f.Close()

	key := path.Join(digest[:16], name)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(f).
		Put("/" + key)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	default:
		return "", fmt.Errorf("uploading %s: unexpected status %d: %s",
			name, resp.StatusCode(), resp.String())
	}
	return c.PublicURL(key)
}

// PublicURL resolves an object key against the download base.
func (c *Client) PublicURL(key string) (string, error) {
	base, err := url.Parse(c.downloadURL)
	if err != nil {
		return "", fmt.Errorf("bad download URL: %w", err)
	}
	ref, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("bad object key %q: %w", key, err)
	}
	return base.ResolveReference(ref).String(), nil
}
