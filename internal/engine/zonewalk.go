package engine

import (
	"github.com/shmcache-io/shmcache/internal/layout"
	"github.com/shmcache-io/shmcache/internal/zone"
)

// walkZoneChunks calls fn once per chunk (live or free) from the start of
// zoneIdx's chunks area up to used_space, in allocation order. The caller
// must hold zoneIdx's lock (read is sufficient; nothing here mutates).
func walkZoneChunks(r zone.RegionIO, l layout.Layout, zoneIdx int, fn func(ref zone.Ref, m zone.Meta) error) (usedSpace int64, err error) {
	used, err := zone.UsedSpace(r, l, zoneIdx)
	if err != nil {
		return 0, err
	}

	var pos int64

	for pos < used {
		ref := zone.Ref(int64(zoneIdx)*layout.ZoneSize + layout.LongSize + pos)

		m, err := zone.ReadMeta(r, l, ref)
		if err != nil {
			return 0, err
		}

		if err := fn(ref, m); err != nil {
			return 0, err
		}

		pos += m.TotalSize()
	}

	return used, nil
}
