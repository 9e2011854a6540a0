package vma

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"math/bits"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testArchive builds synthetic archives for round-trip tests.
type testArchive struct {
	uuid    [16]byte
	ctime   uint64
	configs []Config
	devices []testDevice
	extents []testExtent
}

type testDevice struct {
	id   int
	name string
	size uint64
}

type testExtent struct {
	clusters []testCluster
}

type testCluster struct {
	devID   int
	cluster uint32
	mask    uint16
	payload []byte // popcount(mask) * BlockSize bytes, present blocks in bit order
}

func newTestArchive() *testArchive {
	a := &testArchive{ctime: 1700000000}
	copy(a.uuid[:], "0123456789abcdef")
	return a
}

func (a *testArchive) addDevice(id int, name string, size uint64) {
	a.devices = append(a.devices, testDevice{id: id, name: name, size: size})
}

func (a *testArchive) addConfig(name string, data []byte) {
	a.configs = append(a.configs, Config{Name: name, Data: data})
}

func (a *testArchive) addExtent(clusters ...testCluster) {
	a.extents = append(a.extents, testExtent{clusters: clusters})
}

// fullCluster covers all 16 blocks with the given fill byte.
func fullCluster(devID int, cluster uint32, fill byte) testCluster {
	return testCluster{
		devID:   devID,
		cluster: cluster,
		mask:    0xffff,
		payload: bytes.Repeat([]byte{fill}, ClusterSize),
	}
}

// holeCluster marks a cluster present in the extent but all-zero.
func holeCluster(devID int, cluster uint32) testCluster {
	return testCluster{devID: devID, cluster: cluster}
}

func (a *testArchive) build(t *testing.T) []byte {
	t.Helper()

	var bb bytes.Buffer
	bb.Write([]byte{0, 0}) // dummy entry 0
	addBlob := func(data []byte) uint32 {
		off := uint32(bb.Len())
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(data)))
		bb.Write(l[:])
		bb.Write(data)
		return off
	}

	fixed := make([]byte, headerFixedSize)
	copy(fixed[offMagic:], headerMagic[:])
	binary.BigEndian.PutUint32(fixed[offVersion:], vmaVersion)
	copy(fixed[offUUID:], a.uuid[:])
	binary.BigEndian.PutUint64(fixed[offCTime:], a.ctime)

	for i, cfg := range a.configs {
		nameOff := addBlob(append([]byte(cfg.Name), 0))
		dataOff := addBlob(cfg.Data)
		binary.BigEndian.PutUint32(fixed[offConfNames+i*4:], nameOff)
		binary.BigEndian.PutUint32(fixed[offConfData+i*4:], dataOff)
	}
	for _, dev := range a.devices {
		require.Greater(t, dev.id, 0)
		require.Less(t, dev.id, maxDevices)
		nameOff := addBlob(append([]byte(dev.name), 0))
		slot := offDevInfo + dev.id*devInfoSize
		binary.BigEndian.PutUint32(fixed[slot:], nameOff)
		binary.BigEndian.PutUint64(fixed[slot+8:], dev.size)
	}

	headerSize := (headerFixedSize + bb.Len() + 511) &^ 511
	binary.BigEndian.PutUint32(fixed[offBlobOff:], headerFixedSize)
	binary.BigEndian.PutUint32(fixed[offBlobSize:], uint32(bb.Len()))
	binary.BigEndian.PutUint32(fixed[offHeaderSize:], uint32(headerSize))

	region := make([]byte, headerSize)
	copy(region, fixed)
	copy(region[headerFixedSize:], bb.Bytes())
	sum := zeroedRangeMD5(region, offMD5, offMD5+16)
	copy(region[offMD5:], sum[:])

	var out bytes.Buffer
	out.Write(region)
	for _, e := range a.extents {
		out.Write(a.buildExtent(t, e))
	}
	return out.Bytes()
}

func (a *testArchive) buildExtent(t *testing.T, e testExtent) []byte {
	t.Helper()
	require.LessOrEqual(t, len(e.clusters), extentMaxClusters)

	hdr := make([]byte, extentHeaderSize)
	copy(hdr[extOffMagic:], extentMagic[:])
	copy(hdr[extOffUUID:], a.uuid[:])

	blockCount := 0
	var payload bytes.Buffer
	for i, c := range e.clusters {
		pc := bits.OnesCount16(c.mask)
		require.Len(t, c.payload, pc*BlockSize, "cluster payload must match its mask")
		blockCount += pc
		slot := extOffBlockInfo + i*blockInfoSize
		binary.BigEndian.PutUint16(hdr[slot:], c.mask)
		hdr[slot+3] = byte(c.devID)
		binary.BigEndian.PutUint32(hdr[slot+4:], c.cluster)
		payload.Write(c.payload)
	}
	binary.BigEndian.PutUint16(hdr[extOffBlockCount:], uint16(blockCount))

	var zeros [md5.Size]byte
	digest := md5.New()
	digest.Write(hdr[:extOffMD5])
	digest.Write(zeros[:])
	digest.Write(hdr[extOffMD5+16:])
	digest.Write(payload.Bytes())
	copy(hdr[extOffMD5:], digest.Sum(nil))

	return append(hdr, payload.Bytes()...)
}

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup.vma")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
