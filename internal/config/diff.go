package config

// Diff describes what changed between two configs. Only settings applied
// without a restart are tracked: the log level and the pipeline settings
// new sessions are built from.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is set when any pipeline setting differs.
	PipelineChanged bool

	// RestartRequired lists sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Compare returns what changed from old to new.
func Compare(old, new *Config) Diff {
	var d Diff
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.PipelineChanged = !pipelineEqual(old.Pipeline, new.Pipeline)

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.WebSocketPath != new.Server.WebSocketPath {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Retrieval != new.Retrieval {
		d.RestartRequired = append(d.RestartRequired, "retrieval")
	}
	if len(old.MCP.Servers) != len(new.MCP.Servers) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	} else {
		for i := range old.MCP.Servers {
			a, b := old.MCP.Servers[i], new.MCP.Servers[i]
			if a.Name != b.Name || a.Transport != b.Transport || a.Command != b.Command || a.URL != b.URL {
				d.RestartRequired = append(d.RestartRequired, "mcp")
				break
			}
		}
	}
	return d
}

func pipelineEqual(a, b PipelineConfig) bool {
	if a.AudioInput() != b.AudioInput() {
		return false
	}
	a.InputAudio, b.InputAudio = nil, nil
	return a == b
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) &&
		entryEqual(a.TTS, b.TTS) && entryEqual(a.Embeddings, b.Embeddings)
}

// entryEqual compares the identifying fields of two entries. Options are
// not compared.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}
