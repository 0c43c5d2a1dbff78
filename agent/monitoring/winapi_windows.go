//go:build windows

package monitoring

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modUser32   = windows.NewLazySystemDLL("user32.dll")
	modKernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procGetForegroundWindow      = modUser32.NewProc("GetForegroundWindow")
	procGetWindowTextW           = modUser32.NewProc("GetWindowTextW")
	procGetWindowTextLengthW     = modUser32.NewProc("GetWindowTextLengthW")
	procGetWindowThreadProcessId = modUser32.NewProc("GetWindowThreadProcessId")
	procSetWinEventHook          = modUser32.NewProc("SetWinEventHook")
	procUnhookWinEvent           = modUser32.NewProc("UnhookWinEvent")
	procSetWindowsHookEx         = modUser32.NewProc("SetWindowsHookExW")
	procUnhookWindowsHookEx      = modUser32.NewProc("UnhookWindowsHookEx")
	procCallNextHookEx           = modUser32.NewProc("CallNextHookEx")
	procGetMessage               = modUser32.NewProc("GetMessageW")
	procTranslateMessage         = modUser32.NewProc("TranslateMessage")
	procDispatchMessage          = modUser32.NewProc("DispatchMessageW")
	procPeekMessage              = modUser32.NewProc("PeekMessageW")
	procPostThreadMessage        = modUser32.NewProc("PostThreadMessageW")
	procGetLastInputInfo         = modUser32.NewProc("GetLastInputInfo")
	procGetTickCount             = modKernel32.NewProc("GetTickCount")
)

const (
	WH_KEYBOARD_LL = 13
	WH_MOUSE_LL    = 14
	WM_QUIT        = 0x0012

	EVENT_SYSTEM_FOREGROUND = 0x0003
	WINEVENT_OUTOFCONTEXT   = 0x0000
	WINEVENT_SKIPOWNPROCESS = 0x0002
	OBJID_WINDOW            = 0
)

type MSG struct {
	Hwnd    uintptr
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      struct{ X, Y int32 }
}

type LASTINPUTINFO struct {
	CbSize uint32
	DwTime uint32
}

// runHookThread pins the calling goroutine to its OS thread, installs the
// hooks and pumps messages until WM_QUIT. Low-level hooks are delivered
// through this loop, so it must keep running for as long as they are
// installed. install's result is sent on ready; uninstall always runs on
// the same thread before return.
func runHookThread(install func(threadID uint32) (uninstall func(), err error), ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	threadID := windows.GetCurrentThreadId()

	// force creation of the thread's message queue before anyone posts to it
	var msg MSG
	procPeekMessage.Call(uintptr(unsafe.Pointer(&msg)), 0, 0, 0, 0)

	uninstall, err := install(threadID)
	if err != nil {
		ready <- err
		return
	}
	defer uninstall()
	ready <- nil

	for {
		ret, _, _ := procGetMessage.Call(uintptr(unsafe.Pointer(&msg)), 0, 0, 0)
		// 0 is WM_QUIT, -1 an error; both end the loop
		if ret == 0 || int32(ret) == -1 {
			return
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&msg)))
		procDispatchMessage.Call(uintptr(unsafe.Pointer(&msg)))
	}
}

func postQuit(threadID uint32) {
	if threadID != 0 {
		procPostThreadMessage.Call(uintptr(threadID), WM_QUIT, 0, 0)
	}
}

func foregroundWindow() uintptr {
	hwnd, _, _ := procGetForegroundWindow.Call()
	return hwnd
}

func windowTitle(hwnd uintptr) string {
	n, _, _ := procGetWindowTextLengthW.Call(hwnd)
	if n == 0 {
		return ""
	}
	buf := make([]uint16, n+1)
	procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return syscall.UTF16ToString(buf)
}

func windowProcessID(hwnd uintptr) uint32 {
	var pid uint32
	procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	return pid
}

// lastInputTick returns the tick count of the last input event.
func lastInputTick() (uint32, error) {
	info := LASTINPUTINFO{CbSize: uint32(unsafe.Sizeof(LASTINPUTINFO{}))}
	ret, _, err := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&info)))
	if ret == 0 {
		return 0, fmt.Errorf("GetLastInputInfo failed: %w", err)
	}
	return info.DwTime, nil
}

func tickCount() uint32 {
	ret, _, _ := procGetTickCount.Call()
	return uint32(ret)
}
