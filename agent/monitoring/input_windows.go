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
	// low-level hook callbacks run on the installing thread
	inputOwners      = newRegistry[*InputSource]()
	lowLevelCallback = windows.NewCallback(lowLevelProc)
)

func lowLevelProc(nCode, wParam, lParam uintptr) uintptr {
	if int32(nCode) >= 0 {
		func() {
			defer func() { _ = recover() }()
			if owner, ok := inputOwners.lookup(uintptr(windows.GetCurrentThreadId())); ok {
				owner.observe(time.Now())
			}
		}()
	}
	ret, _, _ := procCallNextHookEx.Call(0, nCode, wParam, lParam)
	return ret
}

func (s *InputSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("input source already started")
	}

	ctx, cancel := context.WithCancel(ctx)

	ready := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runHookThread(s.install, ready)
	}()

	if err := <-ready; err != nil {
		s.wg.Wait()
		s.log.Warn("Input hooks refused, polling last input time instead",
			zap.Error(err),
			zap.Duration("interval", s.pollInterval),
		)
		if _, perr := lastInputTick(); perr != nil {
			cancel()
			return fmt.Errorf("input hooks: %w; polling: %v", err, perr)
		}
		s.polling = true
		s.wg.Add(1)
		go s.poll(ctx)
	} else {
		s.log.Info("Input hooks installed")
	}

	s.cancel = cancel
	s.running = true
	return nil
}

func (s *InputSource) install(threadID uint32) (func(), error) {
	inputOwners.add(uintptr(threadID), s)

	kb, _, err := procSetWindowsHookEx.Call(WH_KEYBOARD_LL, lowLevelCallback, 0, 0)
	if kb == 0 {
		inputOwners.remove(uintptr(threadID))
		return nil, fmt.Errorf("SetWindowsHookEx(WH_KEYBOARD_LL) failed: %w", err)
	}
	mouse, _, err := procSetWindowsHookEx.Call(WH_MOUSE_LL, lowLevelCallback, 0, 0)
	if mouse == 0 {
		procUnhookWindowsHookEx.Call(kb)
		inputOwners.remove(uintptr(threadID))
		return nil, fmt.Errorf("SetWindowsHookEx(WH_MOUSE_LL) failed: %w", err)
	}

	s.keyboard, s.mouse, s.threadID = kb, mouse, threadID

	return func() {
		procUnhookWindowsHookEx.Call(mouse)
		procUnhookWindowsHookEx.Call(kb)
		inputOwners.remove(uintptr(threadID))
	}, nil
}

// poll emits a pulse whenever the system's last-input tick advances.
func (s *InputSource) poll(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	last, _ := lastInputTick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick, err := lastInputTick()
			if err != nil || tick == last {
				continue
			}
			last = tick
			ago := time.Duration(tickCount()-tick) * time.Millisecond
			s.observe(time.Now().Add(-ago))
		}
	}
}

func (s *InputSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	s.cancel()
	if !s.polling {
		postQuit(s.threadID)
	}
	s.wg.Wait()
	s.keyboard, s.mouse, s.threadID = 0, 0, 0
	s.polling = false

	if n := s.drops.Value(); n > 0 {
		s.log.Warn("Input pulses dropped", zap.Uint64("count", n))
	}
	s.log.Info("Input source stopped")
}
