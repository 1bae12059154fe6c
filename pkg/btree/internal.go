package btree

import (
	"encoding/binary"

	"zedtree/pkg/storage"
	"zedtree/pkg/tid"
)

// downlink is one entry of an internal page: the lowest TID reachable
// through Child, paired with Child itself. zsbt's ZSBtreeInternalPageItem,
// rendered as a fixed 12-byte record (TID stored as a full 8 bytes rather
// than the 48-bit packed form -- internal pages are a small fraction of a
// tree, so the 2 wasted bytes per entry aren't worth a bespoke bit layout).
type downlink struct {
	Sep   tid.TID
	Child storage.BlockID
}

const downlinkSize = 8 + 4

func encodeDownlink(d downlink) []byte {
	buf := make([]byte, downlinkSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(d.Sep))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.Child))
	return buf
}

func decodeDownlink(buf []byte) downlink {
	return downlink{
		Sep:   tid.TID(binary.LittleEndian.Uint64(buf[0:8])),
		Child: storage.BlockID(binary.LittleEndian.Uint32(buf[8:12])),
	}
}

// internalItems reads every downlink on an internal page, in on-page
// (and therefore TID) order.
func internalItems(p *storage.Page) []downlink {
	ip := storage.NewItemPage(p)
	n := ip.NItems()
	out := make([]downlink, n)
	for i := 0; i < n; i++ {
		raw, _ := ip.ItemAt(i)
		out[i] = decodeDownlink(raw)
	}
	return out
}

// setInternalItems rewrites an internal page's entire downlink list.
func setInternalItems(p *storage.Page, items []downlink) error {
	raw := make([][]byte, len(items))
	for i, d := range items {
		raw[i] = encodeDownlink(d)
	}
	return storage.NewItemPage(p).SetItems(raw)
}

// binsrchInternal finds the greatest index i such that items[i].Sep <= key,
// returning -1 if every entry's separator is greater than key (meaning
// "walk right" at the caller). This is a lower-bound search mirroring
// zsbt_binsrch_internal exactly: low-1 after the loop converges.
func binsrchInternal(key tid.TID, items []downlink) int {
	low, high := 0, len(items)
	for high > low {
		mid := low + (high-low)/2
		if key >= items[mid].Sep {
			low = mid + 1
		} else {
			high = mid
		}
	}
	return low - 1
}
