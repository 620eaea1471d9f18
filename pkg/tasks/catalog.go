package tasks

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/openedx/pie/pkg/config"
	"github.com/openedx/pie/pkg/devstack"
	"github.com/openedx/pie/pkg/engine"
	"github.com/openedx/pie/pkg/transports"
)

// CompileCommand is recorded in the header of every pip-compile lockfile.
const CompileCommand = "pie run upgrade"

// requirementsOrder is the pip-compile order of the lockfiles. pip and
// pip_tools are compiled and installed first so the rest are compiled with
// the pinned tools.
var requirementsOrder = []string{"pip", "pip_tools", "base", "test", "doc", "quality", "validation", "dev", "production"}

// Options configure the catalog.
type Options struct {
	// Provisioner backs dev.provision. Without one the target is omitted.
	Provisioner *devstack.Provisioner

	// Provision are the options dev.provision runs with.
	Provision devstack.Options

	// Out receives the selfcheck message.
	Out io.Writer
}

// builder resolves names and paths once for every target.
type builder struct {
	cfg     *config.Config
	dir     string
	pkg     string
	pkgDir  string
	image   string
	app     string
	db      string
	lookup  engine.LookupFunc
	appRoot string
}

// NewCatalog builds the target catalog for the configured service. CI
// variables are resolved through cfg.LookupEnv when the catalog is built;
// targets that need them declare RequiredEnv so a run fails before any
// command when one is unset.
func NewCatalog(cfg *config.Config, opts Options) (engine.Catalog, error) {
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	b := &builder{
		cfg:     cfg,
		dir:     cfg.Service.Dir,
		pkg:     cfg.Service.Package,
		pkgDir:  filepath.Join(cfg.Service.Dir, cfg.Service.Package),
		image:   cfg.Docker.Image,
		app:     cfg.Devstack.AppContainer,
		db:      cfg.Devstack.DBContainer,
		lookup:  cfg.LookupEnv,
		appRoot: cfg.Devstack.AppRoot,
	}

	var targets []*engine.Target
	targets = append(targets, b.requirementTargets()...)
	targets = append(targets, b.qualityTargets()...)
	targets = append(targets, b.translationTargets()...)
	targets = append(targets, b.devstackTargets()...)
	targets = append(targets, b.dockerTargets()...)

	if opts.Provisioner != nil {
		targets = append(targets, opts.Provisioner.Target(opts.Provision))
	}

	var catalog engine.Catalog
	targets = append(targets, &engine.Target{
		Name:        "selfcheck",
		Description: "Check that the catalog resolves into an acyclic graph",
		Steps: []engine.Step{{
			Description: "check the target graph",
			Action: func(_ context.Context) error {
				return SelfCheck(catalog, opts.Out)
			},
		}},
	})

	catalog, err := engine.NewCatalog(targets...)
	if err != nil {
		return nil, err
	}
	return catalog, nil
}

// SelfCheck resolves every target of catalog and reports success on w.
func SelfCheck(catalog engine.Catalog, w io.Writer) error {
	for _, name := range catalog.Names() {
		if err := catalog[name].Validate(); err != nil {
			return err
		}
	}
	if _, err := engine.NewDAGBuilder(catalog).BuildGraph(nil); err != nil {
		return err
	}
	fmt.Fprintln(w, "The catalog is well-formed.")
	return nil
}

// cmd builds a command that runs in the service directory.
func (b *builder) cmd(program string, args ...string) *transports.Command {
	return &transports.Command{Program: program, Args: args, Dir: b.dir}
}

func steps(cmds ...*transports.Command) []engine.Step {
	out := make([]engine.Step, len(cmds))
	for i, c := range cmds {
		out[i] = engine.Step{Command: c}
	}
	return out
}

func (b *builder) requirementTargets() []*engine.Target {
	syncArgs := []string{"-q", "requirements/dev.txt"}
	private, _ := filepath.Glob(filepath.Join(b.dir, "requirements", "private.*"))
	sort.Strings(private)
	for _, p := range private {
		if rel, err := filepath.Rel(b.dir, p); err == nil {
			syncArgs = append(syncArgs, rel)
		}
	}

	var upgrade []engine.Step
	for _, name := range requirementsOrder {
		args := []string{"--upgrade"}
		if name == "pip" {
			args = append(args, "--allow-unsafe", "--rebuild")
		}
		args = append(args, "-o", "requirements/"+name+".txt", "requirements/"+name+".in")

		c := b.cmd("pip-compile", args...)
		c.Env = map[string]string{"CUSTOM_COMPILE_COMMAND": CompileCommand}
		upgrade = append(upgrade, engine.Step{Command: c})

		if name == "pip" || name == "pip_tools" {
			upgrade = append(upgrade, engine.Step{Command: b.cmd("pip", "install", "-qr", "requirements/"+name+".txt")})
		}
	}
	upgrade = append(upgrade, engine.Step{
		Description: "move the django pin from requirements/test.txt to requirements/django.txt",
		Action:      func(context.Context) error { return SplitDjangoPin(filepath.Join(b.dir, "requirements")) },
	})

	return []*engine.Target{
		{
			Name:        "clean",
			Description: "Delete generated byte code and coverage reports",
			Steps: steps(
				b.cmd("find", ".", "-name", "*.pyc", "-delete"),
				b.cmd("coverage", "erase"),
				b.cmd("rm", "-rf", "assets"),
				b.cmd("rm", "-rf", "pii_report"),
			),
		},
		{
			Name:        "piptools",
			Description: "Install the pinned pip-tools",
			Steps:       steps(b.cmd("pip", "install", "-q", "-r", "requirements/pip_tools.txt")),
		},
		{
			Name:          "requirements",
			Description:   "Install development requirements",
			Prerequisites: []string{"piptools"},
			Steps:         steps(b.cmd("pip-sync", syncArgs...)),
		},
		{
			Name:          "upgrade",
			Description:   "Update the requirements/*.txt files with the latest packages satisfying requirements/*.in",
			Prerequisites: []string{"piptools"},
			Steps:         upgrade,
		},
	}
}

func (b *builder) qualityTargets() []*engine.Target {
	return []*engine.Target{
		{
			Name:          "test",
			Description:   "Run the unit tests",
			Prerequisites: []string{"clean"},
			Steps:         steps(b.cmd("pytest")),
		},
		{
			Name:        "quality",
			Description: "Run isort, pylint and pycodestyle",
			Steps: steps(
				b.cmd("isort", "--check-only", "--diff", b.pkg, "manage.py"),
				b.cmd("pylint", "--rcfile=pylintrc", b.pkg, "manage.py"),
				b.cmd("pycodestyle", b.pkg, "manage.py"),
			),
		},
		{
			Name:        "pii_check",
			Description: "Check for PII annotations on all Django models",
			Steps: []engine.Step{{Command: &transports.Command{
				Program: "code_annotations",
				Args:    []string{"django_find_annotations", "--config_file", ".pii_annotations.yml", "--lint", "--report", "--coverage"},
				Env:     map[string]string{"DJANGO_SETTINGS_MODULE": b.pkg + ".settings.test"},
				Dir:     b.dir,
			}}},
		},
		{
			Name:          "validate",
			Description:   "Run tests and quality checks",
			Prerequisites: []string{"test", "quality", "pii_check"},
		},
		{
			Name:        "migrate",
			Description: "Apply database migrations",
			Steps:       steps(b.cmd("python", "manage.py", "migrate")),
		},
		{
			Name:        "html_coverage",
			Description: "Generate an HTML coverage report",
			Steps:       steps(b.cmd("coverage", "html")),
		},
	}
}

func (b *builder) translationTargets() []*engine.Target {
	inPkg := func(program string, args ...string) *transports.Command {
		return &transports.Command{Program: program, Args: args, Dir: b.pkgDir}
	}

	return []*engine.Target{
		{
			Name:        "extract_translations",
			Description: "Extract strings to be translated, outputting .po files",
			Steps: steps(
				inPkg("python", "../manage.py", "makemessages", "-l", "en", "-v1", "-d", "django"),
				inPkg("python", "../manage.py", "makemessages", "-l", "en", "-v1", "-d", "djangojs"),
			),
		},
		{
			Name:        "dummy_translations",
			Description: "Generate dummy translation (.po) files",
			Steps:       steps(inPkg("i18n_tool", "dummy")),
		},
		{
			Name:        "compile_translations",
			Description: "Compile translation files, outputting .mo files for each supported language",
			Steps:       steps(b.cmd("python", "manage.py", "compilemessages")),
		},
		{
			Name:          "fake_translations",
			Description:   "Generate and compile dummy translation files",
			Prerequisites: []string{"extract_translations", "dummy_translations", "compile_translations"},
		},
		{
			Name:        "pull_translations",
			Description: "Pull translations from Transifex",
			Steps:       steps(b.cmd("tx", "pull", "-af", "-t", "--mode", "reviewed")),
		},
		{
			Name:        "push_translations",
			Description: "Push source translation files (.po) to Transifex",
			Steps:       steps(b.cmd("tx", "push", "-s")),
		},
		{
			Name:        "detect_changed_source_translations",
			Description: "Check if translation files are up-to-date",
			Steps:       steps(inPkg("i18n_tool", "changed")),
		},
		{
			Name:          "validate_translations",
			Description:   "Test translation files",
			Prerequisites: []string{"fake_translations", "detect_changed_source_translations"},
		},
	}
}

func (b *builder) devstackTargets() []*engine.Target {
	compose := func(args ...string) *transports.Command {
		if f := b.cfg.Devstack.ComposeFile; f != "" {
			args = append([]string{"-f", f}, args...)
		}
		return b.cmd("docker-compose", args...)
	}
	interactive := func(c *transports.Command) *transports.Command {
		c.Interactive = true
		return c
	}

	term, ok := b.lookup("TERM")
	if !ok || term == "" {
		term = "xterm"
	}

	return []*engine.Target{
		{
			Name:        "start-devstack",
			Description: "Run the devstack in the foreground",
			Steps:       steps(interactive(compose("up"))),
		},
		{
			Name:        "open-devstack",
			Description: "Start the devstack and open a shell in the app container",
			Steps: steps(
				compose("up", "-d"),
				interactive(b.cmd("docker", "exec", "-it", b.app, "env", "TERM="+term, b.appRoot+"/devstack.sh", "open")),
			),
		},
		{
			Name:        "pkg-devstack",
			Description: "Build the devstack image from the configuration repository",
			Steps: steps(b.cmd("docker", "build",
				"-t", b.cfg.Service.Name+":latest",
				"-f", fmt.Sprintf("docker/build/%s/Dockerfile", b.cfg.Service.Name),
				b.cfg.Docker.ConfigurationRepo)),
		},
		{
			Name:        "dev.up",
			Description: "Start the devstack containers",
			Steps:       steps(compose("up", "-d")),
		},
		{
			Name:        "dev.down",
			Description: "Stop and remove the devstack containers",
			Steps:       steps(compose("down")),
		},
		{
			Name:        "dev.stop",
			Description: "Stop the devstack containers",
			Steps:       steps(compose("stop")),
		},
		{
			Name:        "app-shell",
			Description: "Open a shell in the app container",
			Steps:       steps(interactive(b.cmd("docker", "exec", "-it", b.app, "/bin/bash"))),
		},
		{
			Name:        "db-shell",
			Description: "Open a MySQL shell on the service database",
			Steps:       steps(interactive(b.cmd("docker", "exec", "-it", b.db, "mysql", "-u", "root", b.cfg.Service.Name))),
		},
	}
}

func (b *builder) dockerTargets() []*engine.Target {
	image := b.image
	newrelic := image + ":latest-newrelic"
	travisCommit, _ := b.lookup("TRAVIS_COMMIT")
	githubSHA, _ := b.lookup("GITHUB_SHA")

	return []*engine.Target{
		{
			Name:        "docker_build",
			Description: "Build the app and newrelic images",
			Steps: steps(
				b.cmd("docker", "build", ".", "-f", "Dockerfile", "--target", "app", "-t", image),
				b.cmd("docker", "build", ".", "-f", "Dockerfile", "--target", "newrelic", "-t", newrelic),
			),
		},
		{
			Name:          "travis_docker_tag",
			Description:   "Tag the images with the Travis commit",
			Prerequisites: []string{"docker_build"},
			RequiredEnv:   []string{"TRAVIS_COMMIT"},
			Steps: steps(
				b.cmd("docker", "tag", image, image+":"+travisCommit),
				b.cmd("docker", "tag", newrelic, image+":"+travisCommit+"-newrelic"),
			),
		},
		{
			Name:        "travis_docker_auth",
			Description: "Log in to Docker Hub with the Travis credentials",
			RequiredEnv: []string{"DOCKER_USERNAME", "DOCKER_PASSWORD"},
			Steps:       steps(b.dockerLogin("DOCKER_USERNAME", "DOCKER_PASSWORD")),
		},
		{
			Name:          "travis_docker_push",
			Description:   "Push the tagged images to Docker Hub",
			Prerequisites: []string{"travis_docker_tag", "travis_docker_auth"},
			RequiredEnv:   []string{"TRAVIS_COMMIT"},
			Steps: steps(
				b.cmd("docker", "push", image+":latest"),
				b.cmd("docker", "push", image+":"+travisCommit),
				b.cmd("docker", "push", newrelic),
				b.cmd("docker", "push", image+":"+travisCommit+"-newrelic"),
			),
		},
		{
			Name:        "github_docker_build",
			Description: "Build the app image",
			Steps:       steps(b.cmd("docker", "build", ".", "-f", "Dockerfile", "--target", "app", "-t", image+":latest")),
		},
		{
			Name:          "github_docker_tag",
			Description:   "Tag the image with the GitHub commit",
			Prerequisites: []string{"github_docker_build"},
			RequiredEnv:   []string{"GITHUB_SHA"},
			Steps:         steps(b.cmd("docker", "tag", image+":latest", image+":"+githubSHA)),
		},
		{
			Name:        "github_docker_auth",
			Description: "Log in to Docker Hub with the GitHub Actions credentials",
			RequiredEnv: []string{"DOCKERHUB_USERNAME", "DOCKERHUB_PASSWORD"},
			Steps:       steps(b.dockerLogin("DOCKERHUB_USERNAME", "DOCKERHUB_PASSWORD")),
		},
		{
			Name:          "github_docker_push",
			Description:   "Push the tagged image to Docker Hub",
			Prerequisites: []string{"github_docker_tag", "github_docker_auth"},
			RequiredEnv:   []string{"GITHUB_SHA"},
			Steps: steps(
				b.cmd("docker", "push", image+":latest"),
				b.cmd("docker", "push", image+":"+githubSHA),
			),
		},
	}
}

// dockerLogin passes the password on stdin so it never appears in argv.
func (b *builder) dockerLogin(userVar, passwordVar string) *transports.Command {
	user, _ := b.lookup(userVar)
	password, _ := b.lookup(passwordVar)

	c := b.cmd("docker", "login", "-u", user, "--password-stdin")
	c.Stdin = password
	c.Secrets = []string{password}
	return c
}
