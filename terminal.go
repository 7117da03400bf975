package main

import (
	"bufio"
	"context"
	"errors"
	"io"

	logger "github.com/sirupsen/logrus"
)

type keyCommander interface {
	DumpHistory()
	TriggerManualSample()
	ToggleAutoWatering() bool
}

// runTerminal reads single key commands until in is exhausted or ctx is done:
// h dumps the history, r takes a manual sample, w toggles auto watering.
func runTerminal(ctx context.Context, in io.Reader, cmd keyCommander) {
	logger.Info("Terminal commands: h = history, r = read moisture, w = toggle auto watering")
	r := bufio.NewReader(in)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Errorf("Terminal read failed [%v]", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		handleKey(cmd, b)
	}
}

func handleKey(cmd keyCommander, key byte) bool {
	switch key {
	case 'h':
		logger.Info("Terminal: history")
		cmd.DumpHistory()
	case 'r':
		logger.Info("Terminal: manual sample")
		cmd.TriggerManualSample()
	case 'w':
		on := cmd.ToggleAutoWatering()
		logger.Infof("Terminal: auto watering [%v]", on)
	case '\n', '\r', ' ':
		return false
	default:
		logger.Infof("Terminal: unknown key [%q]", key)
		return false
	}
	return true
}
