package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option
type Opt struct {
	DestP   interface{} // pointer to the destination
	Flag    string
	Short   rune
	Default interface{}
	Desc    string

	// Persistent options are inherited by subcommands.
	Persistent bool
}

// Program parses CLI options
type Program struct {
	// Run is invoked by cobra on execute.
	Run func() error
	// Name is the name of the program in help usage and the env var prefix.
	Name string
	// Opts are the command line/env var options to the program
	Opts []Opt
}

// NewCommand creates a new cobra command to be executed that respects env
// vars and any config file read into v.
//
// Uses the upper-case version of the program's name as a prefix
// to all environment variables.
func NewCommand(v *viper.Viper, p *Program) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:  p.Name,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := LoadOptions(v, p.Opts); err != nil {
				return err
			}
			return p.Run()
		},
	}

	SetupEnv(v, p.Name)
	if err := BindOptions(v, cmd, p.Opts); err != nil {
		return nil, err
	}
	return cmd, nil
}

// SetupEnv makes v read options from environment variables prefixed with
// the upper-cased program name.
func SetupEnv(v *viper.Viper, name string) {
	v.SetEnvPrefix(strings.ToUpper(name))
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// BindOptions adds opts to the specified command and registers those
// options with v. The destinations receive the resolved values when
// LoadOptions is called after flag parsing.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) error {
	for _, o := range opts {
		flags := cmd.Flags()
		if o.Persistent {
			flags = cmd.PersistentFlags()
		}
		var short string
		if o.Short != 0 {
			short = string(o.Short)
		}

		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			flags.StringVarP(destP, o.Flag, short, d, o.Desc)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			flags.IntVarP(destP, o.Flag, short, d, o.Desc)
		case *uint64:
			var d uint64
			if o.Default != nil {
				d = o.Default.(uint64)
			}
			flags.Uint64VarP(destP, o.Flag, short, d, o.Desc)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			flags.BoolVarP(destP, o.Flag, short, d, o.Desc)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			flags.DurationVarP(destP, o.Flag, short, d, o.Desc)
		case *[]string:
			var d []string
			if o.Default != nil {
				d = o.Default.([]string)
			}
			flags.StringSliceVarP(destP, o.Flag, short, d, o.Desc)
		case *zapcore.Level:
			d := zapcore.InfoLevel
			if o.Default != nil {
				d = o.Default.(zapcore.Level)
			}
			LevelVarP(flags, destP, o.Flag, short, d, o.Desc)
		case pflag.Value:
			if o.Default != nil {
				if err := destP.Set(fmt.Sprint(o.Default)); err != nil {
					return fmt.Errorf("default of flag %q: %w", o.Flag, err)
				}
			}
			flags.VarP(destP, o.Flag, short, o.Desc)
		default:
			return fmt.Errorf("unknown destination type %T for flag %q", o.DestP, o.Flag)
		}

		if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
			return err
		}
	}
	return nil
}

// LoadOptions copies the values resolved by v into the destinations of opts.
// Flags set on the command line take precedence over the environment, which
// takes precedence over a config file and then the defaults.
func LoadOptions(v *viper.Viper, opts []Opt) error {
	for _, o := range opts {
		switch destP := o.DestP.(type) {
		case *string:
			*destP = v.GetString(o.Flag)
		case *int:
			*destP = v.GetInt(o.Flag)
		case *uint64:
			*destP = v.GetUint64(o.Flag)
		case *bool:
			*destP = v.GetBool(o.Flag)
		case *time.Duration:
			*destP = v.GetDuration(o.Flag)
		case *[]string:
			*destP = v.GetStringSlice(o.Flag)
		case *zapcore.Level:
			if err := destP.Set(v.GetString(o.Flag)); err != nil {
				return fmt.Errorf("invalid %s: %w", o.Flag, err)
			}
		case pflag.Value:
			if err := destP.Set(v.GetString(o.Flag)); err != nil {
				return fmt.Errorf("invalid %s: %w", o.Flag, err)
			}
		default:
			return fmt.Errorf("unknown destination type %T for flag %q", o.DestP, o.Flag)
		}
	}
	return nil
}
