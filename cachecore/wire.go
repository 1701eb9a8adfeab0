package cachecore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// wire format for a MetadataEntry: an explicit, version-tagged binary
// encoding of the Variant list, so an old binary reading a newer store's
// files fails loudly instead of silently misparsing:
//
//	magic(4) version(1) variantCount(uint32)
//	for each variant:
//	    headerBlock(request)
//	    headerBlock(response)
//
//	headerBlock:
//	    fieldCount(uint32)
//	    for each field, sorted by name for determinism:
//	        nameLen(uint32) name
//	        valueCount(uint32)
//	        for each value:
//	            valueLen(uint32) value
//
// All integers are little-endian. Field order within a header block is
// sorted so that two writers producing the same header set always produce
// byte-identical output; Variant order in the outer list is preserved
// exactly as given (it is semantically significant: MRU-first).
var wireMagic = [4]byte{'C', 'V', 'L', '1'}

const wireVersion = 1

// ErrCorruptMetadata indicates a metadata blob failed to decode. Callers
// treat this the same as if no metadata existed at all.
var ErrCorruptMetadata = fmt.Errorf("cachecore: corrupt metadata")

func encodeMetadataEntry(entry MetadataEntry) []byte {
	buf := &bytes.Buffer{}
	buf.Write(wireMagic[:])
	buf.WriteByte(wireVersion)
	writeUint32(buf, uint32(len(entry.Variants)))
	for _, v := range entry.Variants {
		writeHeaderBlock(buf, v.Request.Headers)
		writeHeaderBlock(buf, v.Response.Headers)
	}
	return buf.Bytes()
}

func decodeMetadataEntry(data []byte) (MetadataEntry, error) {
	r := bytes.NewReader(data)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != wireMagic {
		return MetadataEntry{}, ErrCorruptMetadata
	}
	version, err := r.ReadByte()
	if err != nil || version != wireVersion {
		return MetadataEntry{}, ErrCorruptMetadata
	}
	count, err := readUint32(r)
	if err != nil {
		return MetadataEntry{}, ErrCorruptMetadata
	}
	entry := MetadataEntry{Variants: make([]Variant, 0, count)}
	for i := uint32(0); i < count; i++ {
		reqHeaders, err := readHeaderBlock(r)
		if err != nil {
			return MetadataEntry{}, ErrCorruptMetadata
		}
		resHeaders, err := readHeaderBlock(r)
		if err != nil {
			return MetadataEntry{}, ErrCorruptMetadata
		}
		entry.Variants = append(entry.Variants, Variant{
			Request:  StoredRequest{Headers: reqHeaders},
			Response: StoredResponse{Headers: resHeaders},
		})
	}
	return entry, nil
}

func writeHeaderBlock(buf *bytes.Buffer, h StoredHeaders) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	writeUint32(buf, uint32(len(names)))
	for _, name := range names {
		writeBytes(buf, []byte(name))
		values := h[name]
		writeUint32(buf, uint32(len(values)))
		for _, v := range values {
			writeBytes(buf, []byte(v))
		}
	}
}

func readHeaderBlock(r *bytes.Reader) (StoredHeaders, error) {
	fieldCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	h := make(StoredHeaders, fieldCount)
	for i := uint32(0); i < fieldCount; i++ {
		name, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		valueCount, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		values := make([]string, 0, valueCount)
		for j := uint32(0); j < valueCount; j++ {
			v, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			values = append(values, string(v))
		}
		h[string(name)] = values
	}
	return h, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n == 0 {
		return b, nil
	}
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
