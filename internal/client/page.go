package client

import "sync"

// SignalKind names a page lifecycle or input signal.
type SignalKind string

const (
	SignalFocus        SignalKind = "focus"
	SignalBlur         SignalKind = "blur"
	SignalVisible      SignalKind = "visible"
	SignalHidden       SignalKind = "hidden"
	SignalCopy         SignalKind = "copy"
	SignalCut          SignalKind = "cut"
	SignalPaste        SignalKind = "paste"
	SignalOnline       SignalKind = "online"
	SignalOffline      SignalKind = "offline"
	SignalBeforeUnload SignalKind = "beforeunload"
	SignalPageHide     SignalKind = "pagehide"
)

// Clipboard carries what a clipboard signal exposes. Text is the selection
// for copy and cut, and the pasted text for paste.
type Clipboard struct {
	Text  string
	Types []string
}

// Signal is one page event.
type Signal struct {
	Kind      SignalKind
	Clipboard *Clipboard
}

// Page tracks focus, visibility and connectivity of the exam page and fans
// signals out to subscribers. Subscribers run on the emitting goroutine.
type Page struct {
	mu      sync.Mutex
	focused bool
	visible bool
	online  bool
	nextID  int
	subs    map[int]func(Signal)
}

// NewPage returns a focused, visible, online page.
func NewPage() *Page {
	return &Page{focused: true, visible: true, online: true, subs: make(map[int]func(Signal))}
}

// Focused reports whether the page has input focus.
func (p *Page) Focused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focused
}

// Visible reports whether the page is visible.
func (p *Page) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// Online reports whether the network is believed to be reachable.
func (p *Page) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Subscribe registers fn and returns a function that removes it.
func (p *Page) Subscribe(fn func(Signal)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Emit updates the page state for s and delivers it to every subscriber.
func (p *Page) Emit(s Signal) {
	p.mu.Lock()
	switch s.Kind {
	case SignalFocus:
		p.focused = true
	case SignalBlur:
		p.focused = false
	case SignalVisible:
		p.visible = true
	case SignalHidden:
		p.visible = false
	case SignalOnline:
		p.online = true
	case SignalOffline:
		p.online = false
	}
	subs := make([]func(Signal), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Subscribers returns the number of registered subscribers.
func (p *Page) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
