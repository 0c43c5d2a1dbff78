//go:build windows

package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

var (
	winEventOwners = newRegistry[*WindowSource]()
	// callbacks are a limited resource; one is shared by every source
	winEventCallback = windows.NewCallback(winEventProc)
)

func winEventProc(hook, event, hwnd, idObject, idChild, idEventThread, eventTime uintptr) uintptr {
	defer func() { _ = recover() }()

	if event != EVENT_SYSTEM_FOREGROUND || int32(idObject) != OBJID_WINDOW || hwnd == 0 {
		return 0
	}
	if owner, ok := winEventOwners.lookup(hook); ok {
		emit(owner.raw, hwnd, &owner.drops)
	}
	return 0
}

func (s *WindowSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("window source already started")
	}

	ready := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runHookThread(s.install, ready)
	}()
	if err := <-ready; err != nil {
		s.wg.Wait()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.resolve(ctx)

	// report the window that already has focus
	if hwnd := foregroundWindow(); hwnd != 0 {
		emit(s.raw, hwnd, &s.drops)
	}
	s.log.Info("Foreground window hook installed")
	return nil
}

func (s *WindowSource) install(threadID uint32) (func(), error) {
	hook, _, err := procSetWinEventHook.Call(
		EVENT_SYSTEM_FOREGROUND,
		EVENT_SYSTEM_FOREGROUND,
		0,
		winEventCallback,
		0,
		0,
		WINEVENT_OUTOFCONTEXT|WINEVENT_SKIPOWNPROCESS,
	)
	if hook == 0 {
		return nil, fmt.Errorf("SetWinEventHook failed: %w", err)
	}

	s.hook = hook
	s.threadID = threadID
	winEventOwners.add(hook, s)

	return func() {
		winEventOwners.remove(hook)
		procUnhookWinEvent.Call(hook)
	}, nil
}

// resolve turns queued window handles into WindowChanged events. Title and
// process lookups happen here, never in the callback.
func (s *WindowSource) resolve(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case hwnd := <-s.raw:
			pid := windowProcessID(hwnd)
			ev := WindowChanged{
				Title:       windowTitle(hwnd),
				ProcessName: s.namer.Name(pid),
				PID:         pid,
				Timestamp:   time.Now(),
			}
			if s.publish(ctx, ev) {
				s.log.Debug("Foreground window changed",
					zap.String("process", ev.ProcessName),
					zap.Uint32("pid", pid),
				)
			}
		}
	}
}

func (s *WindowSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	s.cancel()
	postQuit(s.threadID)
	s.wg.Wait()
	s.hook = 0
	s.threadID = 0

	if n := s.drops.Value(); n > 0 {
		s.log.Warn("Window notifications dropped", zap.Uint64("count", n))
	}
	s.log.Info("Foreground window hook removed")
}
