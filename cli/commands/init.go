package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/llmrouter/cli/config"
	"github.com/petal-labs/llmrouter/core"
)

type initOptions struct {
	path      string
	url       string
	grpcAddr  string
	protocol  string
	apiKeyRef string
	model     string
	force     bool
}

func (a *App) newInitCommand() *cobra.Command {
	var opts initOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Write a starter configuration file, by default ~/.llm-router/config.yaml.
The format follows the file extension: .yaml, .toml or .json. The global
--url, --grpc-addr and --protocol flags fill in the router address.

Examples:
  llm-router init --url http://gpu-box:3000 --protocol grpc --grpc-addr gpu-box:50051
  llm-router init --path ./router.toml --api-key-ref gpu-box`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{offlineAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.path == "" {
				opts.path = config.DefaultConfigPath()
			}
			opts.url, opts.grpcAddr, opts.protocol = a.url, a.grpcAddr, a.protocol
			if err := writeConfigTemplate(opts); err != nil {
				return exitWithCode(ExitValidation, err)
			}
			fmt.Fprintf(a.stdout, "Wrote %s\n", opts.path)
			if opts.apiKeyRef != "" {
				fmt.Fprintf(a.stdout, "Store the key with: llm-router keys set %s\n", opts.apiKeyRef)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.path, "path", "", "file to write (default ~/.llm-router/config.yaml)")
	cmd.Flags().StringVar(&opts.apiKeyRef, "api-key-ref", "", "keystore entry holding the API key")
	cmd.Flags().StringVar(&opts.model, "model", "", "default model id")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing file")
	return cmd
}

type templateData struct {
	URL       string
	GRPCAddr  string
	Protocol  core.Protocol
	APIKeyRef string
	Model     string
	// Timeout is in seconds.
	Timeout int
}

func writeConfigTemplate(opts initOptions) error {
	if opts.url == "" {
		opts.url = core.DefaultBaseURL
	}
	if opts.grpcAddr == "" {
		opts.grpcAddr = core.DefaultGRPCAddr
	}
	if opts.protocol == "" {
		opts.protocol = string(core.ProtocolHTTP)
	}
	p, err := config.ParseProtocol(opts.protocol)
	if err != nil {
		return err
	}
	tmpl, ok := configTemplates[filepath.Ext(opts.path)]
	if !ok {
		return fmt.Errorf("unsupported config extension %q (want .yaml, .toml or .json)", filepath.Ext(opts.path))
	}
	if _, err := os.Stat(opts.path); err == nil && !opts.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", opts.path)
	}
	if err := os.MkdirAll(filepath.Dir(opts.path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return generateFile(opts.path, tmpl, templateData{
		URL:       opts.url,
		GRPCAddr:  opts.grpcAddr,
		Protocol:  p,
		APIKeyRef: opts.apiKeyRef,
		Model:     opts.model,
		Timeout:   int(core.DefaultTimeout / time.Second),
	})
}

func generateFile(path, tmplContent string, data templateData) error {
	tmpl, err := template.New("file").Parse(tmplContent)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return tmpl.Execute(f, data)
}

// Templates

var configTemplates = map[string]string{
	".yaml": yamlTemplate,
	".yml":  yamlTemplate,
	".toml": tomlTemplate,
	".json": jsonTemplate,
}

var yamlTemplate = `# llm-router configuration
url: {{.URL}}
grpc_addr: {{.GRPCAddr}}
protocol: {{.Protocol}}
timeout: {{.Timeout}}
max_retries: 3
{{- if .Model}}
default_model: {{.Model}}
{{- end}}
{{- if .APIKeyRef}}
# Key stored with 'llm-router keys set {{.APIKeyRef}}'
api_key_ref: {{.APIKeyRef}}
{{- end}}
rate_limit:
  requests_per_minute: 100
  burst: 10
`

var tomlTemplate = `# llm-router configuration
url = "{{.URL}}"
grpc_addr = "{{.GRPCAddr}}"
protocol = "{{.Protocol}}"
timeout = {{.Timeout}}
max_retries = 3
{{- if .Model}}
default_model = "{{.Model}}"
{{- end}}
{{- if .APIKeyRef}}
api_key_ref = "{{.APIKeyRef}}"
{{- end}}

[rate_limit]
requests_per_minute = 100
burst = 10
`

var jsonTemplate = `{
  "url": "{{.URL}}",
  "grpc_addr": "{{.GRPCAddr}}",
  "protocol": "{{.Protocol}}",
  "timeout": {{.Timeout}},
  "max_retries": 3,
  "default_model": "{{.Model}}",
  "api_key_ref": "{{.APIKeyRef}}",
  "rate_limit": {"requests_per_minute": 100, "burst": 10}
}
`
