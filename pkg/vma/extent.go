package vma

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"math/bits"
)

// placement is a decoded instruction to write one cluster of one device.
type placement struct {
	deviceID int
	cluster  uint32
	// data is a full cluster buffer with absent blocks zero-filled, or nil
	// for an all-zero cluster that needs no write at all.
	data []byte
}

// blockInfo is one slot of an extent header's cluster table.
type blockInfo struct {
	mask    uint16
	devID   uint8
	cluster uint32
}

type extent struct {
	uuid       [16]byte
	md5        [16]byte
	blockCount uint16
	infos      [extentMaxClusters]blockInfo
}

// payloadBlocks is the total number of 4 KiB payload blocks announced by the
// block masks.
func (e *extent) payloadBlocks() int {
	n := 0
	for i := range e.infos {
		n += bits.OnesCount16(e.infos[i].mask)
	}
	return n
}

func parseExtentHeader(buf []byte, offset int64) (*extent, error) {
	if !bytes.Equal(buf[extOffMagic:extOffMagic+4], extentMagic[:]) {
		return nil, formatErrf(offset, "bad extent magic %q", buf[extOffMagic:extOffMagic+4])
	}

	e := &extent{}
	e.blockCount = binary.BigEndian.Uint16(buf[extOffBlockCount:])
	copy(e.uuid[:], buf[extOffUUID:extOffUUID+16])
	copy(e.md5[:], buf[extOffMD5:extOffMD5+16])

	for i := 0; i < extentMaxClusters; i++ {
		slot := buf[extOffBlockInfo+i*blockInfoSize:]
		e.infos[i] = blockInfo{
			mask:    binary.BigEndian.Uint16(slot[0:2]),
			devID:   slot[3],
			cluster: binary.BigEndian.Uint32(slot[4:8]),
		}
		if e.infos[i].devID == 0 && e.infos[i].mask != 0 {
			return nil, formatErrf(offset, "extent blockinfo %d has no device but a non-empty mask %#04x",
				i, e.infos[i].mask)
		}
	}

	if got := e.payloadBlocks(); got != int(e.blockCount) {
		return nil, formatErrf(offset, "extent block count %d does not match mask population %d",
			e.blockCount, got)
	}

	return e, nil
}

// extentDecoder parses one extent at a time from the source and emits
// cluster placements. The emit callback may block (pool backpressure); an
// error from it aborts the decode.
type extentDecoder struct {
	src    *byteSource
	header *Header
	v      verifier
}

func (d *extentDecoder) decodeNext(emit func(placement) error) error {
	offset := d.src.offset()
	buf, err := d.src.next(extentHeaderSize)
	if err != nil {
		return err
	}

	e, err := parseExtentHeader(buf, offset)
	if err != nil {
		return err
	}
	if e.uuid != [16]byte(d.header.UUID) {
		return formatErrf(offset, "extent uuid %x does not match archive uuid %s", e.uuid, d.header.UUID)
	}

	// The extent digest covers the header (with its md5 field zeroed)
	// followed by the payload; hash the payload as it streams in.
	var zeros [md5.Size]byte
	digest := md5.New()
	digest.Write(buf[:extOffMD5])
	digest.Write(zeros[:])
	digest.Write(buf[extOffMD5+16:])

	// A full extent is decoded and verified before anything is
	// dispatched; a corrupt payload never reaches a device image.
	placements := make([]placement, 0, extentMaxClusters)
	for i := range e.infos {
		info := &e.infos[i]
		if info.devID == 0 {
			continue
		}
		dev := d.header.Devices[info.devID]
		if dev == nil {
			return formatErrf(offset, "extent blockinfo %d references unknown device %d", i, info.devID)
		}
		if info.cluster >= dev.Clusters() {
			return formatErrf(offset, "extent blockinfo %d places cluster %d past the end of device %d (%q, %d clusters)",
				i, info.cluster, info.devID, dev.Name, dev.Clusters())
		}

		p := placement{deviceID: int(info.devID), cluster: info.cluster}
		switch {
		case info.mask == 0:
			// hole, nothing to read or write
		case info.mask == 0xffff:
			data, err := d.src.next(ClusterSize)
			if err != nil {
				return err
			}
			digest.Write(data)
			p.data = data
		default:
			data := make([]byte, ClusterSize)
			for b := 0; b < BlocksPerCluster; b++ {
				if info.mask&(1<<uint(b)) == 0 {
					continue
				}
				block, err := d.src.next(BlockSize)
				if err != nil {
					return err
				}
				digest.Write(block)
				copy(data[b*BlockSize:], block)
			}
			p.data = data
		}
		placements = append(placements, p)
	}

	var sum [md5.Size]byte
	digest.Sum(sum[:0])
	if err := d.v.verify("extent", offset, e.md5, sum); err != nil {
		return err
	}

	for _, p := range placements {
		if err := emit(p); err != nil {
			return err
		}
	}
	return nil
}
