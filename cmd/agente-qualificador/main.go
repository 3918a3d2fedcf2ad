package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/api"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/delivery"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/flow"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/lockfile"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/messaging"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/metrics"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/qualification"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/store"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/twiliowhatsapp"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/util"
	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for agente-qualificador state data
	DefaultStateDir = "/var/lib/agente-qualificador"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "agente-qualificador.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// The dedup cache and delivery queues are process-local; a second
	// instance on the same state directory would break their guarantees.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(config, flags); err != nil {
		slog.Error("agente-qualificador failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("agente-qualificador exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	WhatsAppDSN    string
	StateDir       string
	APIAddr        string
	Transport      string
	BookingLink    string
	TemplatesFile  string
	MeetingSlots   []string
	DedupTTL       time.Duration
	WebhookTTL     time.Duration
	SessionTimeout time.Duration
	ObjectiveMin   int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	waDSN         *string
	apiAddr       *string
	transport     *string
	bookingLink   *string
	templatesFile *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:       util.GetEnvDefault("STATE_DIR", DefaultStateDir),
		APIAddr:        util.GetEnvDefault("API_ADDR", api.DefaultAddr),
		Transport:      util.GetEnvDefault("TRANSPORT", "whatsapp"),
		BookingLink:    os.Getenv("BOOKING_LINK_URL"),
		TemplatesFile:  os.Getenv("OPENING_TEMPLATES_FILE"),
		MeetingSlots:   util.ParseListEnv("MEETING_SLOTS", qualification.DefaultMeetingSlots),
		DedupTTL:       util.ParseDurationEnv("DEDUP_TTL_SECONDS", time.Second, delivery.DefaultDedupTTL),
		WebhookTTL:     util.ParseDurationEnv("WEBHOOK_DEDUP_TTL_SECONDS", time.Second, api.DefaultWebhookDedupTTL),
		SessionTimeout: util.ParseDurationEnv("SESSION_TIMEOUT_MINUTES", time.Minute, qualification.DefaultSessionTimeout),
		ObjectiveMin:   util.ParseIntEnv("OBJECTIVE_MIN_LENGTH", flow.DefaultObjectiveMinLength),
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		slog.Debug("No WHATSAPP_DB_DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"TRANSPORT", config.Transport,
		"BOOKING_LINK_SET", config.BookingLink != "",
		"MEETING_SLOTS", config.MeetingSlots,
		"DEDUP_TTL", config.DedupTTL,
		"SESSION_TIMEOUT", config.SessionTimeout,
		"OBJECTIVE_MIN_LENGTH", config.ObjectiveMin)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for agente-qualificador data (overrides $STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the record store (overrides $DATABASE_URL)"),
		waDSN:         flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport:     flag.String("transport", config.Transport, "outbound transport: whatsapp or twilio (overrides $TRANSPORT)"),
		bookingLink:   flag.String("booking-link", config.BookingLink, "booking link sent with meeting confirmations (overrides $BOOKING_LINK_URL)"),
		templatesFile: flag.String("opening-templates", config.TemplatesFile, "YAML file overriding per-channel opening templates (overrides $OPENING_TEMPLATES_FILE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"waDSN_set", *flags.waDSN != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport,
		"bookingLink_set", *flags.bookingLink != "",
		"templatesFile", *flags.templatesFile)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if store.DetectDSNType(dsn) == "sqlite3" {
			dir := filepath.Dir(dsn)
			slog.Debug("Creating state directory for file-based database", "dir", dir)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// buildStore opens the record store matching the DSN type.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildMessagingService picks and constructs the configured transport.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	if *flags.transport == "twilio" {
		slog.Info("Configuring Twilio WhatsApp transport")
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	}

	slog.Info("Configuring Whatsmeow WhatsApp transport")
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, err
	}
	return messaging.NewWhatsAppService(client), nil
}

// run wires the modules together and serves until interrupted.
func run(config Config, flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	templates := qualification.DefaultOpeningTemplates()
	if *flags.templatesFile != "" {
		templates, err = qualification.LoadOpeningTemplates(*flags.templatesFile)
		if err != nil {
			return err
		}
		slog.Info("Loaded opening template overrides", "path", *flags.templatesFile)
	}

	reg := metrics.NewRegistry()
	pipeline := delivery.NewPipeline(msgService, st, reg, delivery.WithDedupTTL(config.DedupTTL))
	engine := flow.NewEngine(flow.WithObjectiveMinLength(config.ObjectiveMin))
	orch := qualification.NewOrchestrator(st, engine, pipeline, reg,
		qualification.WithMeetingSlots(config.MeetingSlots),
		qualification.WithBookingLink(*flags.bookingLink),
		qualification.WithSessionTimeout(config.SessionTimeout),
		qualification.WithOpeningTemplates(templates),
	)
	server := api.NewServer(orch, st, reg,
		api.WithAddr(*flags.apiAddr),
		api.WithWebhookDedupTTL(config.WebhookTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	go consumeInbounds(ctx, msgService, orch)

	slog.Info("agente-qualificador serving", "api_addr", *flags.apiAddr, "transport", *flags.transport)
	return server.Run(ctx)
}

// consumeInbounds feeds transport event-stream messages into the orchestrator.
// Each message is handled on its own goroutine; the delivery pipeline keeps
// per-recipient ordering regardless.
func consumeInbounds(ctx context.Context, msgService messaging.Service, orch *qualification.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-msgService.Inbounds():
			if !ok {
				return
			}
			go func(in messaging.Inbound) {
				lead, err := orch.ResolveLead(in.From, in.PushName, "whatsapp")
				if err != nil {
					slog.Error("Failed to resolve inbound lead", "error", err, "from", in.From)
					return
				}
				result := orch.HandleInbound(ctx, qualification.InboundRequest{
					LeadID: lead.ID,
					Phone:  lead.Telefone,
					Text:   in.Body,
					Name:   lead.Nome,
				})
				if !result.OK {
					slog.Error("Failed to process inbound message", "error", result.Error, "lead_id", lead.ID)
				}
			}(inbound)
		}
	}
}
