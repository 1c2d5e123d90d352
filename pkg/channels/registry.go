package channels

import "fmt"

// channelRegistry maps platform id (e.g. "telegram") to its factory.
var channelRegistry = make(map[string]ChannelFactory)

// RegisterChannel adds a new ChannelFactory under name. Called from each
// platform subpackage's init(). A second registration under the same
// name is a programming error and panics immediately rather than
// silently masking the earlier one.
func RegisterChannel(name string, factory ChannelFactory) {
	if _, exists := channelRegistry[name]; exists {
		panic(fmt.Sprintf("channels: factory already registered for %q", name))
	}
	channelRegistry[name] = factory
}

// GetChannelFactory retrieves a registered ChannelFactory by platform id.
func GetChannelFactory(name string) (ChannelFactory, bool) {
	f, ok := channelRegistry[name]
	return f, ok
}
