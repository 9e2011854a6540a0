package vma

// On-disk layout of a VMA backup archive, all integers big-endian unless
// noted.

// Archive header, fixed region of 12288 bytes at offset 0:

//Byte  0 -  3:    magic
//                 "VMA\0"
//
//      4 -  7:    version
//                 only version 1 is accepted
//
//      8 - 23:    uuid
//                 identifies the backup run; repeated in every extent
//
//     24 - 31:    ctime
//                 creation time, Unix seconds
//
//     32 - 47:    md5sum
//                 MD5 of the whole header region (header_size bytes) with
//                 these 16 bytes taken as zero during computation
//
//     48 - 51:    blob_buffer_offset
//                 offset of the blob buffer, normally 12288
//
//     52 - 55:    blob_buffer_size
//
//     56 - 59:    header_size
//                 total header length: fixed region + blob buffer + padding.
//                 The extent stream starts here.
//
//     60 - 2043:  reserved
//
//   2044 - 3067:  config_names[256], u32 blob offsets (0 = unused entry)
//
//   3068 - 4091:  config_data[256], u32 blob offsets, paired by index with
//                 config_names
//
//   4092 - 4095:  reserved
//
//   4096 - 12287: dev_info[256], 32 bytes per slot:
//                   u32 device name blob offset
//                   4 bytes reserved
//                   u64 device size in bytes (0 = slot unused)
//                   16 bytes reserved
//                 The slot index is the device id; slot 0 is reserved.
//
// The blob buffer is a sequence of (u16 little-endian length)(length bytes)
// entries. Table offsets are relative to the start of the buffer; offset 0 is
// a dummy empty blob, so 0 doubles as "no entry". Name blobs are
// NUL-terminated.

// Extent header, 512 bytes:

//Byte  0 -  3:    magic
//                 "VMAE"
//
//      4 -  5:    reserved
//
//      6 -  7:    block_count
//                 number of 4 KiB payload blocks in this extent; must equal
//                 the total set bits across all block masks
//
//      8 - 23:    uuid
//                 must equal the archive uuid
//
//     24 - 39:    md5sum
//                 MD5 of this 512-byte header (with these 16 bytes taken as
//                 zero) followed by the extent payload
//
//     40 - 511:   blockinfo[59], 8 bytes per entry:
//                   u16 mask of present 4 KiB blocks (bit 0 = first block)
//                   1 byte reserved
//                   u8 device id (0 = unused entry)
//                   u32 logical cluster index
//
// The payload follows immediately: popcount(mask) * 4096 bytes per entry, in
// entry order, present blocks in ascending bit order. A mask of 0xffff is a
// full 64 KiB cluster; a mask of 0 carries no payload bytes and leaves the
// cluster unallocated.

const (
	// ClusterSize is the logical unit of a device image addressed by
	// extent blockinfo entries.
	ClusterSize = 65536

	// BlockSize is the sub-cluster granularity of the extent payload; one
	// mask bit covers one block.
	BlockSize = 4096

	// BlocksPerCluster is the number of mask bits that cover one cluster.
	BlocksPerCluster = ClusterSize / BlockSize

	headerFixedSize  = 12288
	extentHeaderSize = 512

	// extentMaxClusters is the blockinfo slot count of one extent header.
	extentMaxClusters = 59

	maxDevices = 256

	vmaVersion = 1
)

var (
	headerMagic = [4]byte{'V', 'M', 'A', 0}
	extentMagic = [4]byte{'V', 'M', 'A', 'E'}
)

// Fixed-region field offsets.
const (
	offMagic      = 0
	offVersion    = 4
	offUUID       = 8
	offCTime      = 24
	offMD5        = 32
	offBlobOff    = 48
	offBlobSize   = 52
	offHeaderSize = 56
	offConfNames  = 2044
	offConfData   = 3068
	offDevInfo    = 4096

	devInfoSize = 32
)

// Extent header field offsets.
const (
	extOffMagic      = 0
	extOffBlockCount = 6
	extOffUUID       = 8
	extOffMD5        = 24
	extOffBlockInfo  = 40

	blockInfoSize = 8
)
