// Command tbq inspects and exercises the queue layer from a shell: resolve
// topic names, create topics, publish messages and run scripts on a JS
// executor.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/osvaldoandrade/tbqueue/internal/config"
	"github.com/osvaldoandrade/tbqueue/internal/discovery"
	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/factory"
	"github.com/osvaldoandrade/tbqueue/internal/jsinvoke"
	_ "github.com/osvaldoandrade/tbqueue/internal/plugins/drivers"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
	"github.com/osvaldoandrade/tbqueue/internal/service"
)

type options struct {
	configPath  string
	queueType   string
	prefix      string
	serviceType string
	serviceID   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "tbq",
		Short:        "Queue layer tooling",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to config YAML (defaults and TBQ_* env when empty)")
	flags.StringVar(&opts.queueType, "queue-type", "", "Override queue.type")
	flags.StringVar(&opts.prefix, "prefix", "", "Override queue.prefix")
	flags.StringVar(&opts.serviceType, "service-type", "", "Override service.type")
	flags.StringVar(&opts.serviceID, "service-id", "", "Override service.id")

	root.AddCommand(
		newTopicsCmd(opts),
		newEnsureCmd(opts),
		newSendCmd(opts),
		newInvokeCmd(opts),
	)
	return root
}

func (o *options) load() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(o.configPath); err != nil {
		return config.Config{}, err
	}
	if o.queueType != "" {
		cfg.Queue.Type = o.queueType
	}
	if o.prefix != "" {
		cfg.Queue.Prefix = o.prefix
	}
	if o.serviceType != "" {
		cfg.Service.Type = o.serviceType
	}
	if o.serviceID != "" {
		cfg.Service.ID = o.serviceID
	}
	return cfg, nil
}

func (o *options) bootstrap() (*service.Runtime, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	cfg.Log.Level = "warn"
	return service.Bootstrap(cfg, "tbq")
}

func newTopicsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "Print the resolved topic of every channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			info, err := discovery.NewServiceInfo(cfg.Service.Type, cfg.Service.ID)
			if err != nil {
				return err
			}
			printChannels(cmd.OutOrStdout(), factory.ResolveChannels(cfg, info))
			return nil
		},
	}
}

func printChannels(w io.Writer, channels []factory.Channel) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tKIND\tTOPIC")
	for _, ch := range channels {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ch.Name, ch.Kind, ch.Topic)
	}
	_ = tw.Flush()
}

func newEnsureCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Create every channel topic on the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.bootstrap()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Factory.EnsureAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ensured %d topics on %s\n", len(rt.Factory.Channels()), rt.Factory.Backend().Name())
			return nil
		},
	}
}

func newSendCmd(opts *options) *cobra.Command {
	var (
		channel string
		key     string
		headers map[string]string
	)
	cmd := &cobra.Command{
		Use:   "send DATA",
		Short: "Publish one message to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.bootstrap()
			if err != nil {
				return err
			}
			defer rt.Close()
			p, err := rt.Factory.ChannelProducer(cmd.Context(), channel)
			if err != nil {
				return err
			}
			defer func() { _ = p.Stop() }()

			h := queue.NewHeaders()
			for k, v := range headers {
				h.Put(k, []byte(v))
			}
			if err := p.Send(cmd.Context(), p.DefaultTopic(), queue.NewMessage([]byte(key), []byte(args[0]), h)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", p.DefaultTopic())
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "core", "Channel name, see `tbq topics`")
	cmd.Flags().StringVar(&key, "key", "", "Message key")
	cmd.Flags().StringToStringVar(&headers, "header", nil, "Message header as key=value, repeatable")
	return cmd
}

func newInvokeCmd(opts *options) *cobra.Command {
	var (
		function string
		argNames []string
		bodyFile string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "invoke [ARG...]",
		Short: "Compile a function body on a JS executor and call it",
		Long: `Compile a function body on a JS executor and call it.

Each ARG is a JSON document passed as one argument. The body is read from
--file, or from stdin when --file is "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(function) == "" || bodyFile == "" {
				return cserrors.New(cserrors.TBQValidationFailed, "--function and --file are required")
			}
			body, err := readBody(cmd.InOrStdin(), bodyFile)
			if err != nil {
				return err
			}
			rt, err := opts.bootstrap()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			tmpl, err := rt.Factory.RemoteJSRequestTemplate(ctx)
			if err != nil {
				return err
			}
			client := jsinvoke.NewClient(tmpl, jsinvoke.ClientOptions{Logger: rt.Logger})
			id, err := client.Eval(ctx, function, jsinvoke.WrapFunction(function, body, argNames...))
			if err != nil {
				return err
			}
			result, err := client.Invoke(ctx, id, args...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&function, "function", "", "Function name")
	cmd.Flags().StringSliceVar(&argNames, "arg-name", []string{"msg", "metadata", "msgType"}, "Parameter names of the function")
	cmd.Flags().StringVar(&bodyFile, "file", "", "File holding the function body, - for stdin")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	return cmd
}

func readBody(stdin io.Reader, path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", cserrors.Wrap(cserrors.TBQValidationFailed, "failed to read script body", err)
	}
	return string(raw), nil
}
