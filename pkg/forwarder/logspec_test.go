package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bootLog = `[    0.000000] Booting Linux on physical CPU 0x0
[    0.120000] smp: Brought up 1 node, 4 CPUs
[    1.532110] BUG: KASAN: use-after-free in blk_mq_run_hw_queue
[    1.532114] KASAN: probably user-memory-access in range [0x0000000000000000-0x0000000000000007]
[    2.001200] Kernel panic - not syncing: Attempted to kill init! exitcode=0x0000000b
[    2.001205] CPU: 0 PID: 1 Comm: init Tainted: G    B
`

const buildLog = `  CC      mm/slub.o
mm/slub.c: In function 'slab_alloc':
mm/slub.c:3217:5: error: 'freelist' undeclared (first use in this function)
make[2]: *** [scripts/Makefile.build:243: mm/slub.o] Error 1
`

func TestScanSignaturesBootLog(t *testing.T) {
	sigs := scanSignatures(strings.NewReader(bootLog))

	require.Len(t, sigs, 3)
	assert.Equal(t, "kernel_bug", sigs[0].Type)
	assert.Equal(t, "kasan", sigs[1].Type)
	assert.Equal(t, "kernel_panic", sigs[2].Type)
	assert.Contains(t, sigs[2].Line, "Attempted to kill init")
}

func TestScanSignaturesBuildLog(t *testing.T) {
	sigs := scanSignatures(strings.NewReader(buildLog))

	require.Len(t, sigs, 1)
	assert.Equal(t, "build_error", sigs[0].Type)
	assert.Contains(t, sigs[0].Line, "'freelist' undeclared")
}

func TestScanSignaturesCleanLog(t *testing.T) {
	clean := "[    0.000000] Booting Linux\n[    3.100000] Run /sbin/init as init process\n"
	assert.Empty(t, scanSignatures(strings.NewReader(clean)))
}

func TestSignatureChecksumStable(t *testing.T) {
	a := Signature{Type: "kernel_panic", Line: "Kernel panic - not syncing: VFS"}
	b := Signature{Type: "kernel_panic", Line: "Kernel panic - not syncing: VFS"}
	c := Signature{Type: "kernel_panic", Line: "Kernel panic - not syncing: Attempted to kill init!"}

	assert.Equal(t, a.Checksum(), b.Checksum())
	assert.NotEqual(t, a.Checksum(), c.Checksum())
	assert.Len(t, a.Checksum(), 12)
}

func TestHTTPLogAnalyzer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logs/42" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(bootLog))
	}))
	defer srv.Close()

	a := NewLogAnalyzer()
	sigs, err := a.Analyze(context.Background(), srv.URL+"/logs/42")
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	assert.Equal(t, "kernel_bug", sigs[0].Type)

	_, err = a.Analyze(context.Background(), srv.URL+"/logs/missing")
	assert.Error(t, err)
}
