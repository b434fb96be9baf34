package runtime

// Dispatcher is the per-instance event dispatch table. A worker adds its
// handlers once; the host dispatches each event to them in registration
// order.
type Dispatcher struct {
	install  []func(*InstallEvent)
	activate []func(*ActivateEvent)
	fetch    []func(*FetchEvent)
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) OnInstall(h func(*InstallEvent)) {
	d.install = append(d.install, h)
}

func (d *Dispatcher) OnActivate(h func(*ActivateEvent)) {
	d.activate = append(d.activate, h)
}

func (d *Dispatcher) OnFetch(h func(*FetchEvent)) {
	d.fetch = append(d.fetch, h)
}

func (d *Dispatcher) Handles(kind EventKind) bool {
	switch kind {
	case EventInstall:
		return len(d.install) > 0
	case EventActivate:
		return len(d.activate) > 0
	case EventFetch:
		return len(d.fetch) > 0
	}
	return false
}

// DispatchInstall runs the install handlers and waits for their extended
// work. A non-nil error means the install failed.
func (d *Dispatcher) DispatchInstall(ev *InstallEvent) error {
	for _, h := range d.install {
		h(ev)
	}
	return ev.Wait()
}

func (d *Dispatcher) DispatchActivate(ev *ActivateEvent) error {
	for _, h := range d.activate {
		h(ev)
	}
	return ev.Wait()
}

// DispatchFetch runs fetch handlers until one answers. It reports whether
// the request was answered; extended work keeps running afterwards.
func (d *Dispatcher) DispatchFetch(ev *FetchEvent) bool {
	for _, h := range d.fetch {
		h(ev)
		if ev.answered() {
			return true
		}
	}
	return false
}
