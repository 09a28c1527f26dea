package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// execAPI performs request to management api of running agent and
// prints response body.
func execAPI(v *viper.Viper, f *pflag.FlagSet, method, path string, stdout io.Writer) error {
	logCfg, logErr := getZapConfig(v)
	if logErr != nil {
		return logErr
	}
	silent, err := f.GetBool("silent")
	if err != nil {
		return err
	}
	if silent {
		// Override level to silent logs.
		logCfg.Level.SetLevel(zapcore.WarnLevel)
	}
	log, buildErr := logCfg.Build()
	if buildErr != nil {
		return buildErr
	}
	l := log.Sugar()
	if err = checkVersion(v, log); err != nil {
		return err
	}
	apiAddr := v.GetString("api.addr")
	if apiAddr == "" {
		return errors.New("no api.addr config set")
	}
	u := "http://" + apiAddr + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	res, httpErr := http.DefaultClient.Do(req)
	if httpErr != nil {
		return errors.Wrap(httpErr, "failed to perform http request")
	}
	defer res.Body.Close()
	body := new(bytes.Buffer)
	if _, err = io.Copy(body, res.Body); err != nil {
		l.Warnw("failed to read body", "err", err)
	}
	if res.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %q: %s", res.Status, strings.TrimSpace(body.String()))
	}
	if _, err = fmt.Fprintln(stdout, strings.TrimSpace(body.String())); err != nil {
		l.Warn("write to stdout failed", zap.Error(err))
	}
	return nil
}

func getAPICmd(v *viper.Viper, name, short, method string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execAPI(v, cmd.Flags(), method, "/"+name, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolP("silent", "s", true, "log only errors")
	return cmd
}
