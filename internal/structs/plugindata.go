package structs

// PluginData is a tagged, opaque variant owned by a Job or Step that
// carries select/switch plugin state the core never interprets (spec.md
// §9 "Large opaque blobs" design note). Plugins consume it through the
// narrow Pack/Unpack interface in internal/plugins.
type PluginData struct {
	Kind  uint16
	Bytes []byte
}

func (p PluginData) Empty() bool { return len(p.Bytes) == 0 }

// Clone returns an independent copy, since PluginData is embedded by value
// in Job/Step but its Bytes slice is shared unless copied explicitly.
func (p PluginData) Clone() PluginData {
	if p.Bytes == nil {
		return PluginData{Kind: p.Kind}
	}
	out := make([]byte, len(p.Bytes))
	copy(out, p.Bytes)
	return PluginData{Kind: p.Kind, Bytes: out}
}
