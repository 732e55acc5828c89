package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"balungpisah/internal/servicetoken"
)

const (
	audienceIntake    = "intake"
	audienceExtractor = "extractor"
)

// options are shared by every subcommand through persistent flags.
type options struct {
	keyPath      string
	keyID        string
	issuer       string
	subject      string
	intakeURL    string
	extractorURL string
	timeout      time.Duration
}

func (o *options) signer() (*servicetoken.Signer, error) {
	return servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		PrivateKeyPath: o.keyPath,
		KeyID:          o.keyID,
		Issuer:         o.issuer,
		Subject:        o.subject,
	})
}

func (o *options) client() (*client, error) {
	signer, err := o.signer()
	if err != nil {
		return nil, err
	}
	return newClient(signer, o.timeout), nil
}

// newRootCmd creates the root balungpisahctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "balungpisahctl",
		Short:         "Operate the BalungPisah report pipeline",
		Long:          "balungpisahctl inspects and retries extraction jobs, applies review transitions\nand signs service tokens for the internal endpoints.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.keyPath, "key", os.Getenv("BALUNGPISAH_CTL_KEY"), "RSA private key (PEM) used to sign service tokens")
	flags.StringVar(&opts.keyID, "key-id", envDefault("BALUNGPISAH_CTL_KEY_ID", servicetoken.DefaultKeyID), "key id placed in the token header")
	flags.StringVar(&opts.issuer, "issuer", "balungpisahctl", "token issuer")
	flags.StringVar(&opts.subject, "as", envDefault("BALUNGPISAH_CTL_ACTOR", os.Getenv("USER")), "actor recorded on review transitions")
	flags.StringVar(&opts.intakeURL, "intake-url", envDefault("BALUNGPISAH_INTAKE_URL", "http://localhost:8081"), "intake service base URL")
	flags.StringVar(&opts.extractorURL, "extractor-url", envDefault("BALUNGPISAH_EXTRACTOR_URL", "http://localhost:8082"), "extractor service base URL")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Second, "HTTP request timeout")

	cmd.AddCommand(
		newJobsCmd(opts),
		newReportsCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
