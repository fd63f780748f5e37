package telemetry

// Config selects and addresses the trace exporter. When both exporters are
// configured, OTLP wins.
type Config struct {
	OTLP OTLP `yaml:"otlp"`
	// Collector URL of a Jaeger instance.
	JaegerURL string `yaml:"jaegerUrl"`
	// Service name reported with every span; defaults to the process name.
	Package string `yaml:"package"`
	// Instance identifier, telling replicas apart. Random when empty.
	ID string `yaml:"id"`
}

// OTLP addresses an OTLP/HTTP collector.
type OTLP struct {
	// Collector host, without a URL path.
	Host string `yaml:"host"`
	// Secure toggles TLS towards the collector.
	Secure bool `yaml:"secure"`
}
