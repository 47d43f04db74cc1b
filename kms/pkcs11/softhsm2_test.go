//go:build cgo && softhsm2
// +build cgo,softhsm2

package pkcs11

import (
	"context"
	"runtime"
	"testing"

	"github.com/smallstep/enrollment/kms/apiv1"
)

// mustPKCS11 configures a *PKCS11 provider to be used with SoftHSM2. To
// initialize these tests, we should run:
//
//	softhsm2-util --init-token --free \
//	--token pkcs11-test --label pkcs11-test \
//	--so-pin password --pin password
//
// To delete we should run:
//
//	softhsm2-util --delete-token --token pkcs11-test
func mustPKCS11(t *testing.T) *PKCS11 {
	t.Helper()
	var path string
	switch runtime.GOOS {
	case "darwin":
		path = "/usr/local/lib/softhsm/libsofthsm2.so"
	case "linux":
		path = "/usr/lib/softhsm/libsofthsm2.so"
	default:
		t.Skipf("softHSM2 test skipped on %s", runtime.GOOS)
		return nil
	}
	k, err := New(context.Background(), apiv1.Options{
		Type: string(apiv1.PKCS11),
		Name: "Golang crypto",
		URI:  "pkcs11:module-path=" + path + ";token=pkcs11-test?pin-value=password",
	})
	if err != nil {
		t.Fatalf("failed to configure softHSM2 on %s: %v", runtime.GOOS, err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}
