//go:build windows

package process

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/zboralski/vmpiat/internal/pefile"
)

// Live reads a running process through ReadProcessMemory.
type Live struct {
	pid    uint32
	handle windows.Handle
}

// Attach opens the first process whose executable name matches name.
func Attach(name string) (*Live, error) {
	pid, err := FindProcessID(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenProcess(windows.PROCESS_VM_READ|windows.PROCESS_QUERY_INFORMATION, false, pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return &Live{pid: pid, handle: h}, nil
}

// FindProcessID returns the pid of the first process named name.
func FindProcessID(name string) (uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, fmt.Errorf("process snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var pe windows.ProcessEntry32
	pe.Size = uint32(unsafe.Sizeof(pe))
	for err = windows.Process32First(snap, &pe); err == nil; err = windows.Process32Next(snap, &pe) {
		if strings.EqualFold(windows.UTF16ToString(pe.ExeFile[:]), name) {
			return pe.ProcessID, nil
		}
	}
	return 0, fmt.Errorf("process %s not found", name)
}

// Close releases the process handle.
func (l *Live) Close() error {
	return windows.CloseHandle(l.handle)
}

// Read copies n bytes at addr. A short read is an error.
func (l *Live) Read(addr uint64, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	var got uintptr
	if err := windows.ReadProcessMemory(l.handle, uintptr(addr), &buf[0], uintptr(n), &got); err != nil {
		return nil, fmt.Errorf("read 0x%x (+0x%x): %w", addr, n, err)
	}
	if int(got) != n {
		return nil, fmt.Errorf("read 0x%x: short read %d of %d", addr, got, n)
	}
	return buf, nil
}

// Modules enumerates loaded modules and parses each one's exports from its
// mapped image.
func (l *Live) Modules() ([]Module, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, l.pid)
	if err != nil {
		return nil, fmt.Errorf("module snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var mods []Module
	var me windows.ModuleEntry32
	me.Size = uint32(unsafe.Sizeof(me))
	for err = windows.Module32First(snap, &me); err == nil; err = windows.Module32Next(snap, &me) {
		mods = append(mods, Module{
			Name: windows.UTF16ToString(me.Module[:]),
			Path: windows.UTF16ToString(me.ExePath[:]),
			Base: uint64(me.ModBaseAddr),
			Size: me.ModBaseSize,
		})
	}

	for i := range mods {
		exps, err := l.exports(mods[i])
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", mods[i].Name, err)
		}
		mods[i].Exports = exps
	}
	return mods, nil
}

func (l *Live) exports(m Module) ([]pefile.Export, error) {
	data, err := l.Read(m.Base, int(m.Size))
	if err != nil {
		return nil, err
	}
	img, err := pefile.FromMemory(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return img.Exports()
}
