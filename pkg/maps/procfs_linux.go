package maps

import (
	"github.com/prometheus/procfs"
)

// LocalMaps returns the maps of the calling process. Call Parse to read
// them.
func LocalMaps() *Maps {
	return &Maps{load: func() ([]*MapEntry, error) {
		proc, err := procfs.Self()
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		return readProc(proc)
	}}
}

// RemoteMaps returns the maps of process pid. Call Parse to read them.
func RemoteMaps(pid int) *Maps {
	return &Maps{load: func() ([]*MapEntry, error) {
		proc, err := procfs.NewProc(pid)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		return readProc(proc)
	}}
}

func readProc(proc procfs.Proc) ([]*MapEntry, error) {
	pms, err := proc.ProcMaps()
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	entries := make([]*MapEntry, 0, len(pms))
	for _, pm := range pms {
		entries = append(entries, fromProcMap(pm))
	}
	return entries, nil
}

func fromProcMap(pm *procfs.ProcMap) *MapEntry {
	e := &MapEntry{
		Start:  uint64(pm.StartAddr),
		End:    uint64(pm.EndAddr),
		Offset: uint64(pm.Offset),
		Dev:    pm.Dev,
		Inode:  pm.Inode,
	}
	if p := pm.Perms; p != nil {
		if p.Read {
			e.Flags |= FlagRead
		}
		if p.Write {
			e.Flags |= FlagWrite
		}
		if p.Execute {
			e.Flags |= FlagExec
		}
		if p.Shared {
			e.Flags |= FlagShared
		}
	}
	setName(e, pm.Pathname)
	return e
}
