package devstack

import (
	"fmt"
	"strings"
	"time"

	"github.com/openedx/pie/pkg/config"
	"github.com/openedx/pie/pkg/oauth"
	"github.com/openedx/pie/pkg/transports"
)

const (
	// dbReadyQuery succeeds once MySQL has created its root account.
	dbReadyQuery = "SELECT EXISTS(SELECT 1 FROM mysql.user WHERE user = 'root')"

	lmsEnvFile   = "/edx/app/edxapp/edxapp_env"
	lmsManagePy  = "/edx/app/edxapp/edx-platform/manage.py"
	superuser    = "edx"
	superuserPwd = "edx"
)

// Settings is what the provisioner needs to know about the devstack.
type Settings struct {
	Service oauth.Service

	// Dir is where docker-compose runs.
	Dir         string
	ComposeFile string

	DBContainer  string
	AppContainer string
	LMSContainer string

	// AppRoot is the service checkout inside the app container.
	AppRoot string

	// LMSSettings is the --settings module of LMS management commands.
	LMSSettings string

	CreateSuperuser bool
	Build           bool

	PollInterval time.Duration

	// MaxAttempts bounds the database readiness poll; 0 polls until the
	// context is cancelled.
	MaxAttempts int
}

// SettingsFromConfig extracts provisioning settings from a loaded config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Service:         cfg.OAuthService(),
		Dir:             cfg.Service.Dir,
		ComposeFile:     cfg.Devstack.ComposeFile,
		DBContainer:     cfg.Devstack.DBContainer,
		AppContainer:    cfg.Devstack.AppContainer,
		LMSContainer:    cfg.Devstack.LMSContainer,
		AppRoot:         strings.TrimRight(cfg.Devstack.AppRoot, "/"),
		LMSSettings:     cfg.LMS.Settings,
		CreateSuperuser: cfg.Devstack.CreateSuperuser,
		Build:           cfg.Devstack.Build,
		PollInterval:    cfg.Devstack.PollInterval,
		MaxAttempts:     cfg.Devstack.MaxAttempts,
	}
}

// Compose builds a docker-compose invocation in the project directory.
func (s Settings) Compose(args ...string) *transports.Command {
	full := make([]string, 0, len(args)+2)
	if s.ComposeFile != "" {
		full = append(full, "-f", s.ComposeFile)
	}
	return &transports.Command{
		Program: "docker-compose",
		Args:    append(full, args...),
		Dir:     s.Dir,
	}
}

// ComposeUp starts the devstack containers in the background.
func (s Settings) ComposeUp(build bool) *transports.Command {
	args := []string{"up", "-d"}
	if build {
		args = append(args, "--build")
	}
	return s.Compose(args...)
}

// DBReadyCheck exits 0 once the database accepts administrative queries.
func (s Settings) DBReadyCheck() *transports.Command {
	return s.mysql(dbReadyQuery)
}

// CreateDatabase creates the service database if it does not exist.
func (s Settings) CreateDatabase() *transports.Command {
	return s.mysql(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s;", s.Service.Name))
}

func (s Settings) mysql(query string) *transports.Command {
	return &transports.Command{
		Program: "docker",
		Args:    []string{"exec", "-i", s.DBContainer, "mysql", "-u", "root", "-se", query},
	}
}

// Migrate runs the service's migrations inside the app container.
func (s Settings) Migrate() *transports.Command {
	return &transports.Command{
		Program: "docker",
		Args:    []string{"exec", "-t", s.AppContainer, "bash", "-c", fmt.Sprintf("cd %s/ && make migrate", s.AppRoot)},
	}
}

// CreateSuperuserCommand pipes a Django shell snippet that creates the edx
// superuser unless it already exists.
func (s Settings) CreateSuperuserCommand() *transports.Command {
	snippet := fmt.Sprintf(
		"from django.contrib.auth import get_user_model; User = get_user_model(); "+
			"User.objects.filter(username='%[1]s').exists() or "+
			"User.objects.create_superuser('%[1]s', '%[1]s@example.com', '%[2]s')\n",
		superuser, superuserPwd)

	return &transports.Command{
		Program: "docker",
		Args:    []string{"exec", "-i", s.AppContainer, "python", s.AppRoot + "/manage.py", "shell"},
		Stdin:   snippet,
	}
}

// LMSManage runs an LMS management command inside the LMS container.
func (s Settings) LMSManage(args ...string) *transports.Command {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = transports.Quote(a)
	}
	script := fmt.Sprintf("source %s && python %s lms --settings=%s %s",
		lmsEnvFile, lmsManagePy, s.LMSSettings, strings.Join(quoted, " "))

	return &transports.Command{
		Program: "docker",
		Args:    []string{"exec", "-t", s.LMSContainer, "bash", "-c", script},
	}
}

// ManageWorker creates (or updates) the service's LMS worker user.
func (s Settings) ManageWorker() *transports.Command {
	return s.LMSManage("manage_user", s.Service.WorkerUser(), s.Service.WorkerEmail(), "--staff", "--superuser")
}

// RegisterApplication creates the DOT application in the LMS. The client
// secret is masked wherever the command is shown.
func (s Settings) RegisterApplication(app *oauth.Application) *transports.Command {
	cmd := s.LMSManage(app.ManagementArgs()...)
	cmd.Secrets = []string{app.ClientSecret}
	return cmd
}

// Restart restarts the app container so it picks up the new settings.
func (s Settings) Restart() *transports.Command {
	return s.Compose("restart", "app")
}
