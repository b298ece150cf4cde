package main

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	netdicom "github.com/giesekow/dicomlink"
	"github.com/giesekow/dicomlink/internal/config"
	"github.com/giesekow/dicomlink/sopclass"
	godicom "github.com/grailbio/go-dicom"
	gdicomio "github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestFile writes a minimal part 10 file whose data set is encoded in
// ts, which must be one of the little endian transfer syntaxes.
func writeTestFile(t *testing.T, dir, name, sopClass, instance, ts string) string {
	t.Helper()
	meta := gdicomio.NewBytesEncoder(binary.LittleEndian, gdicomio.ExplicitVR)
	godicom.WriteFileHeader(meta, []*godicom.Element{
		godicom.MustNewElement(dicomtag.MediaStorageSOPClassUID, sopClass),
		godicom.MustNewElement(dicomtag.MediaStorageSOPInstanceUID, instance),
		godicom.MustNewElement(dicomtag.TransferSyntaxUID, ts),
	})
	require.NoError(t, meta.Error())
	vr := gdicomio.ExplicitVR
	if ts == dicomuid.ImplicitVRLittleEndian {
		vr = gdicomio.ImplicitVR
	}
	data := gdicomio.NewBytesEncoder(binary.LittleEndian, vr)
	godicom.WriteElement(data, godicom.MustNewElement(dicomtag.SOPClassUID, sopClass))
	godicom.WriteElement(data, godicom.MustNewElement(dicomtag.SOPInstanceUID, instance))
	require.NoError(t, data.Error())
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, append(meta.Bytes(), data.Bytes()...), 0o644))
	return path
}

func TestBatchByTransferSyntax(t *testing.T) {
	dir := t.TempDir()
	a := writeTestFile(t, dir, "a.dcm", sopclass.CTImageStorageUID, "1.2.3.1", dicomuid.ExplicitVRLittleEndian)
	b := writeTestFile(t, dir, "b.dcm", sopclass.MRImageStorageUID, "1.2.3.2", dicomuid.ExplicitVRLittleEndian)
	c := writeTestFile(t, dir, "c.dcm", sopclass.CTImageStorageUID, "1.2.3.3", dicomuid.ImplicitVRLittleEndian)
	d := writeTestFile(t, dir, "d.dcm", sopclass.CTImageStorageUID, "1.2.3.4", dicomuid.ExplicitVRLittleEndian)

	batches, err := batchByTransferSyntax([]string{a, b, c, d})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, batches[0].transferSyntaxUID)
	assert.Equal(t, []string{sopclass.CTImageStorageUID, sopclass.MRImageStorageUID}, batches[0].sopClasses)
	assert.Equal(t, []string{a, b, d}, batches[0].files)
	assert.Equal(t, []string{c}, batches[1].files)

	_, err = batchByTransferSyntax([]string{filepath.Join(dir, "missing.dcm")})
	assert.Error(t, err)
}

func testConfig(t *testing.T, address string) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Parse([]byte(`
ae_title: SENDER
endpoints:
  - ae_title: RECEIVER
    deposit_dir: ` + filepath.Join(root, "deposit") + `
    watch_dir: ` + filepath.Join(root, "watch") + `
remotes:
  - name: receiver
    ae_title: RECEIVER
    address: ` + address + `
`))
	require.NoError(t, err)
	return cfg
}

func TestEchoAndStoreAgainstProvider(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := testConfig(t, l.Addr().String())
	log, _ := logtest.NewNullLogger()

	params, err := newProviderParams(cfg, log)
	require.NoError(t, err)
	sp, err := netdicom.NewServiceProvider(params)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- sp.Serve(ctx, l) }()
	defer func() {
		cancel()
		<-served
	}()

	require.NoError(t, runEcho(ctx, cfg, log, "receiver"))
	assert.Error(t, runEcho(ctx, cfg, log, "unknown"))

	dir := t.TempDir()
	files := []string{
		writeTestFile(t, dir, "a.dcm", sopclass.CTImageStorageUID, "1.2.3.1", dicomuid.ExplicitVRLittleEndian),
		writeTestFile(t, dir, "b.dcm", sopclass.MRImageStorageUID, "1.2.3.2", dicomuid.ExplicitVRLittleEndian),
	}
	require.NoError(t, runStore(ctx, cfg, log, "receiver", files))

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	n, err := params.Notifier.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, uid := range []string{"1.2.3.1", "1.2.3.2"} {
		_, err := os.Stat(filepath.Join(cfg.Endpoints[0].WatchDir, uid+".dcm"))
		assert.NoError(t, err, uid)
	}
}
