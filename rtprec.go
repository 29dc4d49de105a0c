// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rtprec

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"rtprec/pkg/config"
	"rtprec/pkg/log"
	"rtprec/pkg/system"
	"rtprec/pkg/video/customformat"
	"rtprec/pkg/video/receiver"
	"rtprec/pkg/video/rtph264"
	"rtprec/pkg/video/track"
	"rtprec/pkg/web"
	"rtprec/pkg/web/auth"
)

// Run .
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Parse()

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.Logger.Info().Src("app").Msgf("fatal error: %v", err)
	case signal := <-stop:
		app.Logger.Info().Msg("") // New line.
		app.Logger.Info().Src("app").Msgf("received %v, stopping", signal)
	}

	cancel()
	wg.Wait()

	if recErr := app.closeRecording(); recErr != nil && err == nil {
		err = recErr
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return app.server.Shutdown(ctx2)
}

func newApp(envPath string, wg *sync.WaitGroup) (*App, error) {
	// Environment config.
	env, err := config.ReadConfigEnv(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}

	// Logs.
	logger := log.NewLogger(wg)
	logDB := log.NewDB(env.LogDB, wg)

	// Track format.
	sdp, err := os.ReadFile(env.SDPPath)
	if err != nil {
		return nil, fmt.Errorf("could not read sdp file: %w", err)
	}
	format, err := track.FormatFromSDP(sdp, env.PayloadType)
	if err != nil {
		return nil, fmt.Errorf("could not parse sdp file: %w", err)
	}

	depacketizer := rtph264.NewDepacketizer(format, logger)

	a := auth.NewBasicAuthenticator(env.APIUser, env.APIPasswordHash, logger)
	sys := system.New(env.StorageDir, logger)

	// Routes.
	mux := http.NewServeMux()

	mux.Handle("/api/status", a.User(web.Status(depacketizer)))
	mux.Handle("/api/sdp", a.User(web.SDP(format)))
	mux.Handle("/api/system/status", a.User(web.SystemStatus(sys)))
	mux.Handle("/api/log/feed", a.User(web.LogFeed(logger, a)))
	mux.Handle("/api/log/query", a.User(web.LogQuery(logDB)))

	return &App{
		WG:           wg,
		Logger:       logger,
		logDB:        logDB,
		Env:          *env,
		Format:       format,
		depacketizer: depacketizer,
		system:       sys,
		Mux:          mux,
	}, nil
}

// App is the main application struct.
type App struct {
	WG     *sync.WaitGroup
	Logger *log.Logger
	logDB  *log.DB
	Env    config.ConfigEnv
	Format track.Format
	Mux    *http.ServeMux

	depacketizer *rtph264.Depacketizer
	recording    *customformat.FileWriter
	system       *system.System
	server       *http.Server
}

func (app *App) run(ctx context.Context) error {
	// Main server.
	address := ":" + strconv.Itoa(app.Env.Port)
	app.server = &http.Server{Addr: address, Handler: app.Mux}

	app.Logger.Start(ctx)
	go app.Logger.LogToStdout(ctx)

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.Logger)
		time.Sleep(10 * time.Millisecond)
	}

	app.Logger.Info().Src("app").Msg("Starting..")

	if err := app.startRecording(time.Now()); err != nil {
		return err
	}

	r, err := receiver.Listen(app.Env.Listen, app.depacketizer, app.Logger, app.receiverConfig())
	if err != nil {
		return fmt.Errorf("could not start receiver: %w", err)
	}

	app.WG.Add(1)
	go func() {
		defer app.WG.Done()
		if err := r.Run(ctx); err != nil {
			app.Logger.Error().Src("receiver").Msgf("stopped: %v", err)
		}
	}()

	go app.system.StatusLoop(ctx)

	app.Logger.Info().Src("app").Msgf("Serving app on port %v", app.Env.Port)
	return app.server.ListenAndServe()
}

// receiverConfig only accepts the payload type of the selected SDP track.
func (app *App) receiverConfig() receiver.Config {
	return receiver.Config{
		PayloadType:   app.Format.PayloadType,
		MaxPacketSize: app.Env.MaxPacketSize,
	}
}

// startRecording creates a new recording and registers it as the
// output of the depacketizer.
func (app *App) startRecording(startTime time.Time) error {
	name := strconv.FormatInt(startTime.Unix(), 10)
	rec, err := customformat.CreateFiles(app.Env.RecordingsDir(), name, startTime)
	if err != nil {
		return fmt.Errorf("could not create recording: %w", err)
	}

	if err := app.depacketizer.CreateTrack(rec); err != nil {
		rec.Close()
		return fmt.Errorf("could not create track: %w", err)
	}
	app.recording = rec

	app.Logger.Info().Src("app").Msgf("recording to %v", rec.Path)
	return nil
}

func (app *App) closeRecording() error {
	if app.recording == nil {
		return nil
	}
	return app.recording.Close()
}
