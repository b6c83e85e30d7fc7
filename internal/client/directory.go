package client

import "sync"

// Directory caches one Connection per tracker URL.
type Directory struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{conns: make(map[string]*Connection)}
}

// Get returns the connection for url, if one was created.
func (d *Directory) Get(url string) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[url]
	return c, ok
}

// Create returns the cached connection for url or creates a new one from
// opts. The returned connection is not registered yet.
func (d *Directory) Create(url string, opts Options) *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[url]; ok {
		return c
	}
	opts.URL = url
	c := New(opts)
	d.conns[url] = c
	return c
}

// Close unregisters the connection for url and forgets it.
func (d *Directory) Close(url string) {
	d.mu.Lock()
	c, ok := d.conns[url]
	delete(d.conns, url)
	d.mu.Unlock()
	if ok {
		c.Unregister()
	}
}

// CloseAll unregisters and forgets every connection.
func (d *Directory) CloseAll() {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]*Connection)
	d.mu.Unlock()
	for _, c := range conns {
		c.Unregister()
	}
}

// URLs lists the cached tracker URLs.
func (d *Directory) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	urls := make([]string, 0, len(d.conns))
	for u := range d.conns {
		urls = append(urls, u)
	}
	return urls
}
