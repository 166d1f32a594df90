package config

import (
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	prefix      = "rcptfilter"
	tableFormat = `rcptfilter is configured via the environment. The following environment
variables can be used:

KEY	DEFAULT	REQUIRED	DESCRIPTION
{{range .}}{{usage_key .}}	{{usage_default .}}	{{usage_required .}}	{{usage_description .}}
{{end}}`
)

var (
	// Version of this build, set by main
	Version = ""

	// BuildDate for this build, set by main
	BuildDate = ""
)

// Root wraps all other configurations.
type Root struct {
	LogLevel    string `required:"true" default:"info" desc:"debug, info, warn, or error"`
	SMTP        SMTP
	Rules       Rules
	AddressBook AddressBook
	Relay       Relay
	Web         Web
	Lua         Lua
}

// SMTP contains the SMTP front end configuration.
type SMTP struct {
	Addr            string        `required:"true" default:"0.0.0.0:2525" desc:"SMTP server IP4 host:port"`
	Domain          string        `required:"true" default:"rcptfilter" desc:"HELO domain"`
	MaxRecipients   int           `required:"true" default:"200" desc:"Maximum RCPT TO per message"`
	MaxMessageBytes int           `required:"true" default:"10240000" desc:"Maximum message size"`
	Timeout         time.Duration `required:"true" default:"300s" desc:"Idle network timeout"`
	AcceptDomains   []string      `desc:"Domains to accept mail for, empty accepts all"`
	TLSEnabled      bool          `default:"false" desc:"Enable STARTTLS option"`
	TLSPrivKey      string        `default:"cert.key" desc:"X509 Private Key file for TLS Support"`
	TLSCert         string        `default:"cert.crt" desc:"X509 Public Certificate file for TLS Support"`
	ForceTLS        bool          `default:"false" desc:"Listen for connections with TLS."`
	Debug           bool          `ignored:"true"`
}

// Rules contains the rule definition source configuration.
type Rules struct {
	Path           string        `required:"true" default:"/etc/rcptfilter/rules.xml" desc:"Rule definition file"`
	Format         string        `desc:"xml or yaml, empty selects by file extension"`
	Watch          bool          `required:"true" default:"true" desc:"Reload on file change notifications?"`
	PollInterval   time.Duration `default:"0s" desc:"Poll definition file for changes, 0 disables"`
	Debounce       time.Duration `required:"true" default:"250ms" desc:"Quiet period before reloading"`
	StrictPatterns bool          `default:"false" desc:"Reject definitions containing invalid regexps"`
}

// AddressBook contains the known-recipient lookup configuration.
type AddressBook struct {
	Kind      string        `required:"true" default:"none" desc:"none, file, redis, or sql"`
	Path      string        `desc:"Known recipients file, one address per line"`
	RedisAddr string        `default:"localhost:6379" desc:"Redis host:port"`
	RedisKey  string        `default:"rcptfilter:known" desc:"Redis set holding known recipients"`
	SQLDriver string        `default:"postgres" desc:"database/sql driver name"`
	SQLDSN    string        `desc:"database/sql data source name"`
	SQLQuery  string        `default:"SELECT 1 FROM recipients WHERE lower(address) = $1" desc:"Lookup query"`
	Timeout   time.Duration `required:"true" default:"2s" desc:"Lookup timeout"`
}

// Relay contains the upstream delivery configuration.
type Relay struct {
	Addr      string `desc:"Upstream SMTP host:port, empty discards accepted mail"`
	StartTLS  bool   `default:"false" desc:"Use STARTTLS with upstream"`
	TLSVerify bool   `default:"true" desc:"Verify upstream TLS certificate"`
}

// Web contains the HTTP server configuration.
type Web struct {
	Addr string `required:"true" default:"127.0.0.1:9025" desc:"REST API and metrics IP4 host:port"`
}

// Lua contains the Lua extension host configuration.
type Lua struct {
	Path string `default:"rcptfilter.lua" desc:"Lua script path, ignored if missing"`
}

// Process loads and parses configuration from the environment.
func Process() (*Root, error) {
	c := &Root{}
	err := envconfig.Process(prefix, c)
	return c, err
}

// Usage prints out the envconfig usage to Stderr.
func Usage() {
	tabs := tabwriter.NewWriter(os.Stderr, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef(prefix, &Root{}, tabs, tableFormat); err != nil {
		log.Fatalf("Unable to parse env config: %v", err)
	}
	tabs.Flush()
}
