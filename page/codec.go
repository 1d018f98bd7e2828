// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"encoding/binary"

	"github.com/cznic/storey/block"
)

const (
	pageKindLeaf     byte = 0
	pageKindInternal byte = 1
)

// encodePage serializes p's reconciled Base/Children into the flat byte
// image block.Manager.Write stores. Only Base/Children are encoded:
// Inserts must be merged into Base by the caller (reconcile.go) before
// calling encodePage, the same way a real reconciliation flattens the
// WT_INSERT skip list into the new disk image.
func encodePage(p *Page) []byte {
	var buf []byte
	switch p.Kind {
	case KindLeaf:
		buf = append(buf, pageKindLeaf)
		buf = appendUvarint(buf, uint64(len(p.Base)))
		for _, it := range p.Base {
			buf = appendUvarint(buf, uint64(len(it.Key)))
			buf = append(buf, it.Key...)
			flag := byte(0)
			if it.Overflow {
				flag = 1
			}
			buf = append(buf, flag)
			buf = appendUvarint(buf, uint64(len(it.Value)))
			buf = append(buf, it.Value...)
		}
	case KindInternal:
		buf = append(buf, pageKindInternal)
		buf = appendUvarint(buf, uint64(len(p.Children)))
		for _, c := range p.Children {
			buf = appendUvarint(buf, uint64(len(c.Key)))
			buf = append(buf, c.Key...)
			buf = c.Ref.cookie.Encode(buf, 1)
		}
	}
	return buf
}

func decodePage(raw []byte) (*Page, error) {
	if len(raw) < 1 {
		return nil, &ErrCorrupt{"empty page image"}
	}
	kind, rest := raw[0], raw[1:]
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, &ErrCorrupt{"truncated item count"}
	}
	rest = rest[n:]

	switch kind {
	case pageKindLeaf:
		items := make([]Item, 0, count)
		for i := uint64(0); i < count; i++ {
			klen, n := binary.Uvarint(rest)
			if n <= 0 || uint64(len(rest)-n) < klen {
				return nil, &ErrCorrupt{"truncated key"}
			}
			rest = rest[n:]
			key := append([]byte(nil), rest[:klen]...)
			rest = rest[klen:]

			if len(rest) < 1 {
				return nil, &ErrCorrupt{"truncated overflow flag"}
			}
			overflow := rest[0] == 1
			rest = rest[1:]

			vlen, n := binary.Uvarint(rest)
			if n <= 0 || uint64(len(rest)-n) < vlen {
				return nil, &ErrCorrupt{"truncated value"}
			}
			rest = rest[n:]
			val := append([]byte(nil), rest[:vlen]...)
			rest = rest[vlen:]

			items = append(items, Item{Key: key, Value: val, Overflow: overflow})
		}
		return newLeaf(items), nil
	case pageKindInternal:
		children := make([]Child, 0, count)
		for i := uint64(0); i < count; i++ {
			klen, n := binary.Uvarint(rest)
			if n <= 0 || uint64(len(rest)-n) < klen {
				return nil, &ErrCorrupt{"truncated key"}
			}
			rest = rest[n:]
			key := append([]byte(nil), rest[:klen]...)
			rest = rest[klen:]

			// Child cookies are encoded with allocation unit 1, so they
			// decode without knowing the store's allocation unit: see
			// decodeCookieAt below.
			cookie, used, err := decodeCookieAt(rest)
			if err != nil {
				return nil, err
			}
			rest = rest[used:]

			ref := newPageRef(nil)
			ref.cookie = cookie
			ref.state.Store(int32(StateDisk))
			children = append(children, Child{Key: key, Ref: ref})
		}
		return newInternal(children), nil
	default:
		return nil, &ErrCorrupt{"unknown page kind"}
	}
}

// decodeCookieAt decodes a block.Cookie encoded with allocation unit 1,
// i.e. byte-granular offsets/sizes, which internal pages always use
// regardless of the store's real allocation unit. An in-memory
// block.Cookie already holds byte offsets and sizes; the allocation unit
// only scales its packed encoding, so unit 1 round-trips any cookie
// exactly and no rescaling happens anywhere.
func decodeCookieAt(b []byte) (block.Cookie, int, error) {
	return block.DecodeCookie(b, 1)
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
