//go:build windows

package main

import (
	"os"
	"syscall"

	"go.uber.org/zap"
)

const swHide = 0

// hideConsole hides the agent's console window on student machines. Set
// CLASSNET_SHOW_CONSOLE to keep it for debugging.
func hideConsole(logger *zap.Logger) {
	if os.Getenv("CLASSNET_SHOW_CONSOLE") != "" {
		return
	}
	hwnd, _, _ := syscall.NewLazyDLL("kernel32.dll").NewProc("GetConsoleWindow").Call()
	if hwnd == 0 {
		// service mode has no console
		return
	}
	_, _, _ = syscall.NewLazyDLL("user32.dll").NewProc("ShowWindow").Call(hwnd, swHide)
	logger.Debug("console hidden")
}
