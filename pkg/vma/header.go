package vma

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Device is one virtual disk declared by the archive, materialized as
// a `<name>.raw` output file.
type Device struct {
	// ID is the slot index in the device table, 1..255. Extent blockinfo
	// entries address devices by this id.
	ID int
	// Name comes from the blob buffer, e.g. "drive-scsi0".
	Name string
	// Size is the logical disk size in bytes. Not necessarily a multiple
	// of the cluster size.
	Size uint64
}

// Clusters returns the number of logical clusters covering the device.
func (d Device) Clusters() uint32 {
	return uint32((d.Size + ClusterSize - 1) / ClusterSize)
}

// FileName returns the output file name for this device.
func (d Device) FileName() string {
	if strings.HasSuffix(d.Name, ".raw") {
		return d.Name
	}
	return d.Name + ".raw"
}

// Config is one configuration blob stored in the header, written out
// verbatim as a plain file (e.g. "qemu-server.conf").
type Config struct {
	Name string
	Data []byte
}

// Header is the parsed archive descriptor. Immutable after a successful
// parse.
type Header struct {
	UUID  uuid.UUID
	CTime time.Time

	// HeaderSize is the total header region length; the extent stream
	// starts at this offset.
	HeaderSize uint32

	MD5 [16]byte

	Configs []Config

	// Devices is indexed by device id; unused slots are nil.
	Devices [maxDevices]*Device
}

// DeviceList returns the populated device table entries in id order.
func (h *Header) DeviceList() []Device {
	var devs []Device
	for _, d := range h.Devices {
		if d != nil {
			devs = append(devs, *d)
		}
	}
	return devs
}

// blobBuffer indexes the header's blob buffer by entry offset.
type blobBuffer map[uint32][]byte

func parseBlobBuffer(buf []byte) (blobBuffer, error) {
	blobs := make(blobBuffer)
	pos := 0
	for pos+2 <= len(buf) {
		// entry lengths are the format's only little-endian integers
		size := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		if pos+2+size > len(buf) {
			return nil, errors.Newf("blob at offset %d overruns the blob buffer (size %d, %d bytes left)",
				pos, size, len(buf)-pos-2)
		}
		blobs[uint32(pos)] = buf[pos+2 : pos+2+size]
		pos += 2 + size
	}
	return blobs, nil
}

// name returns the NUL-terminated string blob at the given offset.
func (b blobBuffer) name(offset uint32) (string, error) {
	data, ok := b[offset]
	if !ok {
		return "", errors.Newf("no blob at offset %d", offset)
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data), nil
}

// parseHeader reads and verifies the archive header from the start of the
// source, leaving the cursor at the first extent.
func parseHeader(src *byteSource, v verifier) (*Header, error) {
	fixed, err := src.next(headerFixedSize)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(fixed[offMagic:offMagic+4], headerMagic[:]) {
		return nil, formatErrf(0, "bad archive magic %q", fixed[offMagic:offMagic+4])
	}
	if version := binary.BigEndian.Uint32(fixed[offVersion:]); version != vmaVersion {
		return nil, formatErrf(offVersion, "unsupported archive version %d", version)
	}

	h := &Header{}
	copy(h.UUID[:], fixed[offUUID:offUUID+16])
	h.CTime = time.Unix(int64(binary.BigEndian.Uint64(fixed[offCTime:])), 0).UTC()
	copy(h.MD5[:], fixed[offMD5:offMD5+16])

	blobOffset := binary.BigEndian.Uint32(fixed[offBlobOff:])
	blobSize := binary.BigEndian.Uint32(fixed[offBlobSize:])
	h.HeaderSize = binary.BigEndian.Uint32(fixed[offHeaderSize:])

	if h.HeaderSize < headerFixedSize {
		return nil, formatErrf(offHeaderSize, "header size %d smaller than the fixed region", h.HeaderSize)
	}
	if blobSize > 0 {
		if blobOffset < headerFixedSize || uint64(blobOffset)+uint64(blobSize) > uint64(h.HeaderSize) {
			return nil, formatErrf(offBlobOff, "blob buffer [%d, %d) outside header region of %d bytes",
				blobOffset, blobOffset+blobSize, h.HeaderSize)
		}
	}

	// pull in the rest of the header region (blob buffer plus padding)
	tail, err := src.next(int(h.HeaderSize) - headerFixedSize)
	if err != nil {
		return nil, err
	}

	region := make([]byte, 0, h.HeaderSize)
	region = append(region, fixed...)
	region = append(region, tail...)
	if err := v.verify("header", 0, h.MD5, zeroedRangeMD5(region, offMD5, offMD5+16)); err != nil {
		return nil, err
	}

	blobs, err := parseBlobBuffer(region[blobOffset : blobOffset+blobSize])
	if err != nil {
		return nil, errors.Mark(err, ErrFormat)
	}

	for id := 1; id < maxDevices; id++ {
		slot := fixed[offDevInfo+id*devInfoSize:]
		size := binary.BigEndian.Uint64(slot[8:16])
		if size == 0 {
			continue
		}
		nameOffset := binary.BigEndian.Uint32(slot[0:4])
		name, err := blobs.name(nameOffset)
		if err != nil {
			return nil, formatErrf(int64(offDevInfo+id*devInfoSize), "device %d name: %v", id, err)
		}
		if name == "" {
			return nil, formatErrf(int64(offDevInfo+id*devInfoSize), "device %d has an empty name", id)
		}
		h.Devices[id] = &Device{ID: id, Name: name, Size: size}
	}

	for i := 0; i < maxDevices; i++ {
		nameOffset := binary.BigEndian.Uint32(fixed[offConfNames+i*4:])
		if nameOffset == 0 {
			continue
		}
		name, err := blobs.name(nameOffset)
		if err != nil {
			return nil, formatErrf(int64(offConfNames+i*4), "config %d name: %v", i, err)
		}
		dataOffset := binary.BigEndian.Uint32(fixed[offConfData+i*4:])
		data, ok := blobs[dataOffset]
		if !ok {
			return nil, formatErrf(int64(offConfData+i*4), "config %q: no data blob at offset %d", name, dataOffset)
		}
		h.Configs = append(h.Configs, Config{Name: name, Data: data})
	}

	return h, nil
}
