package netdicom

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/giesekow/dicomlink/sopclass"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FuzzFaultInjection runs an echo and a store with both ends dropping the
// connection where the fuzz input says. Whatever the input, both sessions
// must end, no partial file may stay in the deposit directory, and every
// image the user saw confirmed must be in the watch directory.
func FuzzFaultInjection(f *testing.F) {
	f.Add([]byte{0x00})
	f.Add([]byte{0xff})
	f.Add([]byte{0x00, 0xff})
	f.Add([]byte{0x00, 0x00, 0xff, 0x00})
	f.Add([]byte{0x10, 0x20, 0x30, 0xf0, 0x00, 0x00, 0x00, 0xe8})
	f.Add([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xe8, 0x00})

	f.Fuzz(func(t *testing.T, fuzz []byte) {
		if len(fuzz) == 0 {
			return
		}
		providerFuzz, userFuzz := fuzz[:(len(fuzz)+1)/2], fuzz[(len(fuzz)+1)/2:]
		ctx := context.Background()
		sp := newTestProvider(t, func(p *ServiceProviderParams) {
			p.MaxPDUSize = 1024
			p.NewFaultInjector = func() *FaultInjector { return NewFaultInjector(providerFuzz) }
		})
		client, done := serveLoopback(ctx, t, sp)
		su := newTestUser(t, func(p *ServiceUserParams) {
			p.SOPClasses = []string{sopclass.VerificationSOPClassUID, sopclass.CTImageStorageUID}
			p.Faults = NewFaultInjector(userFuzz)
		})

		var confirmed []string
		if su.ConnectConn(ctx, client) == nil {
			_ = su.CEcho(ctx)
			for _, uid := range []string{"1.2.3.4.1", "1.2.3.4.2"} {
				if su.CStore(ctx, sopclass.CTImageStorageUID, uid, dicomuid.ExplicitVRLittleEndian, testDataSet(3000)) == nil {
					confirmed = append(confirmed, uid)
				}
			}
			_ = su.Release(ctx)
		}
		su.Abort()
		assert.True(t, su.Session().Done())

		s := waitSession(t, done)
		assert.True(t, s.Done())
		for _, img := range s.Images() {
			if img.Stored() {
				assert.FileExists(t, img.Path)
			}
		}
		for _, uid := range confirmed {
			assert.FileExists(t, filepath.Join(sp.store.WatchDir, uid+".dcm"))
		}
		left, err := os.ReadDir(sp.store.DepositDir)
		require.NoError(t, err)
		assert.Empty(t, left, "user %v, provider %v", su.params.Faults, s.faults)
	})
}
