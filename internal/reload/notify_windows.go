package reload

// No user signals on windows, only management API and config watch.
func (n *Notifier) subscribe() {}
