package commands

import (
	"context"
	"database/sql"
	"fmt"

	"consultwatch/internal/auth"
	"consultwatch/internal/components/chrono"
	"consultwatch/internal/components/telemetry"
	"consultwatch/internal/db"
	"consultwatch/internal/portal"
	"consultwatch/internal/poller"
	"consultwatch/internal/service"
	"consultwatch/internal/sessionstore"
)

// App is every component a command may need, wired from one Config.
type App struct {
	Config    Config
	Durations Durations
	Tel       telemetry.API
	Time      chrono.API

	DB      *sql.DB
	Client  *portal.Client
	Store   sessionstore.Store
	Machine *auth.Machine
	Cursor  poller.CursorStore
	Service service.Service
}

func NewApp(ctx context.Context, config Config, tel telemetry.API) (*App, error) {
	durations, err := config.Durations()
	if err != nil {
		return nil, err
	}
	timeApi, err := chrono.NewStandardImpl(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	database, err := config.Database.OpenAndMigrate(ctx, db.Schema)
	if err != nil {
		return nil, err
	}

	client, err := portal.NewClient(portal.ClientOptions{
		BaseUrl:           config.Portal.BaseUrl,
		RequestsPerSecond: config.Portal.RequestsPerSecond,
		CloudflareBypass:  config.Portal.CloudflareBypass,
		Timeout:           durations.Timeout,
	}, tel, timeApi)
	if err != nil {
		database.Close()
		return nil, err
	}

	store := sessionstore.NewStore(database, client, timeApi, tel)
	machine := auth.NewMachine(client, store, auth.Options{
		ChallengeLifetime: durations.ChallengeLifetime,
	}, timeApi, tel)
	cursor := poller.NewCursorStore(database, timeApi)

	return &App{
		Config:    config,
		Durations: durations,
		Tel:       tel,
		Time:      timeApi,
		DB:        database,
		Client:    client,
		Store:     store,
		Machine:   machine,
		Cursor:    cursor,
		Service: service.NewService(machine, client, cursor, service.Credentials{
			Email:    config.Portal.Email,
			Password: config.Portal.Password,
		}, tel),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
