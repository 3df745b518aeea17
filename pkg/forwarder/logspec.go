package forwarder

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/zeebo/blake3"
)

// Signature is one failure fingerprint extracted from a job log.
type Signature struct {
	// Type names the failure class (kernel_panic, build_error, ...).
	Type string

	// Line is the first log line that matched.
	Line string
}

// Checksum returns a short stable digest of the signature, used to
// key issues so repeated failures with the same fingerprint collapse
// into one.
func (s Signature) Checksum() string {
	sum := blake3.Sum256([]byte(s.Type + "\n" + s.Line))
	return hex.EncodeToString(sum[:6])
}

// LogAnalyzer extracts failure signatures from a log artifact.
type LogAnalyzer interface {
	Analyze(ctx context.Context, logURL string) ([]Signature, error)
}

// signaturePatterns are checked per line, most specific first. One
// signature per class is kept so a panic spamming the console does
// not drown the build error that caused it.
var signaturePatterns = []struct {
	class string
	re    *regexp.Regexp
}{
	{"kernel_panic", regexp.MustCompile(`Kernel panic - not syncing`)},
	{"kernel_bug", regexp.MustCompile(`kernel BUG at|BUG: `)},
	{"kernel_oops", regexp.MustCompile(`Oops(:| -)`)},
	{"kasan", regexp.MustCompile(`KASAN: `)},
	{"ubsan", regexp.MustCompile(`UBSAN: `)},
	{"kernel_warning", regexp.MustCompile(`WARNING: .* at `)},
	{"build_error", regexp.MustCompile(`\berror: |undefined reference to|No rule to make target`)},
	{"modpost_error", regexp.MustCompile(`ERROR: modpost:`)},
}

const maxSignatures = 5

func scanSignatures(r io.Reader) []Signature {
	seen := make(map[string]bool)
	var sigs []Signature

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() && len(sigs) < maxSignatures {
		line := sc.Text()
		for _, p := range signaturePatterns {
			if seen[p.class] || !p.re.MatchString(line) {
				continue
			}
			seen[p.class] = true
			sigs = append(sigs, Signature{Type: p.class, Line: line})
			break
		}
	}
	return sigs
}

// HTTPLogAnalyzer fetches log artifacts over HTTP and scans them for
// known failure fingerprints.
type HTTPLogAnalyzer struct {
	http *resty.Client
}

// NewLogAnalyzer creates an analyzer with its own HTTP client; logs
// may live on a different host than the blob store base URL.
func NewLogAnalyzer() *HTTPLogAnalyzer {
	return &HTTPLogAnalyzer{
		http: resty.New().
			SetTimeout(60 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
	}
}

// Analyze implements LogAnalyzer.
func (a *HTTPLogAnalyzer) Analyze(ctx context.Context, logURL string) ([]Signature, error) {
	resp, err := a.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(logURL)
	if err != nil {
		return nil, fmt.Errorf("fetching log %s: %w", logURL, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetching log %s: unexpected status %d", logURL, resp.StatusCode())
	}
	return scanSignatures(body), nil
}
