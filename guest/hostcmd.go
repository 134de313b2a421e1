package guest

import "github.com/xll-gen/hgsmi/hgsmi"

// EnableDisplayChannel starts accepting host commands for display on
// channel. events, if set, receives event commands as they arrive.
func (d *Driver) EnableDisplayChannel(channel uint8, display int, events hgsmi.EventFunc) (*hgsmi.DisplayChannel, error) {
	return hgsmi.EnableDisplay(d.registry, channel, display, hgsmi.DisplayConfig{
		Displays: d.cfg.Screens,
		Events:   events,
		Stats:    d.stats,
	})
}

// DisableDisplayChannel stops host commands for display, returning any still queued.
func (d *Driver) DisableDisplayChannel(channel uint8, display int) error {
	return hgsmi.DisableDisplay(d.registry, channel, display)
}

// RequestHostCommands picks up host commands that have arrived and returns
// those queued for display, oldest first.
func (d *Driver) RequestHostCommands(channel uint8, display int) ([]*hgsmi.HostCommand, error) {
	d.dispatchHost()
	return hgsmi.RequestCommands(d.registry, channel, display)
}

// CompleteHostCommand hands cmd back to the host.
func (d *Driver) CompleteHostCommand(cmd *hgsmi.HostCommand) {
	if cmd.Buffer != nil {
		d.registry.Complete(cmd.Buffer, hgsmi.StatusOK)
	}
}
