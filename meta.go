package leafdb

import "encoding/binary"

const (
	metaMagic   uint32 = 0xBEEFC0DE
	metaVersion uint32 = 1
)

// SyncMode selects the durability policy applied after a commit's dirty
// pages and meta page have been written to the mapped file.
type SyncMode int

const (
	NoSync SyncMode = iota
	AsyncFlush
	SyncData
	FullSync
)

// meta is the decoded content of one of the two meta pages.
type meta struct {
	magic       uint32
	version     uint32
	self        PageID
	flags       uint32
	pageSize    uint32
	maxReaders  uint32
	dbCount     uint32
	lastPage    PageID
	lastTxnID   TxnID
	mapSize     uint64
	main        DbInfo
	free        DbInfo
}

// metaSize is the byte length of the meta record written after the page
// header: magic,version,self,flags,pageSize,maxReaders,dbCount (7*4=28) +
// lastPage,lastTxnID,mapSize (3*8=24) + two DbInfo (2*48=96).
const metaSize = 28 + 24 + 2*dbInfoSize

func encodeMeta(m meta) []byte {
	buf := make([]byte, PageSize)
	h := pageHeader{id: m.self, flags: flagMeta}
	h.write(buf)

	off := pageHeaderSize
	le := binary.LittleEndian
	le.PutUint32(buf[off:], metaMagic)
	le.PutUint32(buf[off+4:], metaVersion)
	le.PutUint32(buf[off+8:], uint32(m.self))
	le.PutUint32(buf[off+12:], m.flags)
	le.PutUint32(buf[off+16:], uint32(PageSize))
	le.PutUint32(buf[off+20:], m.maxReaders)
	le.PutUint32(buf[off+24:], m.dbCount)
	off += 28
	le.PutUint64(buf[off:], uint64(m.lastPage))
	le.PutUint64(buf[off+8:], uint64(m.lastTxnID))
	le.PutUint64(buf[off+16:], m.mapSize)
	off += 24
	copy(buf[off:], encodeDbInfo(m.main))
	off += dbInfoSize
	copy(buf[off:], encodeDbInfo(m.free))
	return buf
}

// decodeMeta parses and validates a meta page. ok is false (with a nil
// error) when the page simply isn't a valid meta record yet (e.g. a fresh
// zeroed file); err is non-nil only for a meta page that claims to be
// valid but fails a structural check.
func decodeMeta(buf []byte) (m meta, ok bool, err error) {
	if len(buf) < pageHeaderSize+metaSize {
		return meta{}, false, nil
	}
	off := pageHeaderSize
	le := binary.LittleEndian
	magic := le.Uint32(buf[off:])
	if magic != metaMagic {
		return meta{}, false, nil
	}
	version := le.Uint32(buf[off+4:])
	if version != metaVersion {
		return meta{}, false, ErrVersionMismatch
	}
	m.magic = magic
	m.version = version
	m.self = PageID(le.Uint32(buf[off+8:]))
	m.flags = le.Uint32(buf[off+12:])
	pageSize := le.Uint32(buf[off+16:])
	if pageSize != PageSize {
		return meta{}, false, corruption("meta page size %d does not match engine page size %d", pageSize, PageSize)
	}
	m.pageSize = pageSize
	m.maxReaders = le.Uint32(buf[off+20:])
	m.dbCount = le.Uint32(buf[off+24:])
	off += 28
	m.lastPage = PageID(le.Uint64(buf[off:]))
	m.lastTxnID = TxnID(le.Uint64(buf[off+8:]))
	m.mapSize = le.Uint64(buf[off+16:])
	off += 24
	m.main, err = decodeDbInfo(buf[off : off+dbInfoSize])
	if err != nil {
		return meta{}, false, err
	}
	off += dbInfoSize
	m.free, err = decodeDbInfo(buf[off : off+dbInfoSize])
	if err != nil {
		return meta{}, false, err
	}
	return m, true, nil
}

// chooseMeta picks the authoritative meta page: of the two, it is
// whichever validates and carries the greater TxnID.
func chooseMeta(aOK bool, aMeta meta, bOK bool, bMeta meta) (meta, PageID, error) {
	if !aOK && !bOK {
		return meta{}, 0, corruption("neither meta page is valid")
	}
	if aOK && !bOK {
		return aMeta, metaPageA, nil
	}
	if bOK && !aOK {
		return bMeta, metaPageB, nil
	}
	if aMeta.lastTxnID >= bMeta.lastTxnID {
		return aMeta, metaPageA, nil
	}
	return bMeta, metaPageB, nil
}

func otherMetaPage(current PageID) PageID {
	if current == metaPageA {
		return metaPageB
	}
	return metaPageA
}
