package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/copadhq/copad/copad"
	"github.com/copadhq/copad/copad/storage"
)

const LocalVersion = "0.0.0-local"

const DefaultStorageUrl = "copad.db"

const DefaultJwtSecret = "copad-dev-secret"

func main() {
	usage := fmt.Sprintf(
		`Copad sync daemon.

The storage url selects the adapter by scheme:
    postgres://...    Postgres
    redis://...       Redis
    anything else     local bolt file path (default %s)

Usage:
    copadd serve [--port=<port>] [--storage_url=<storage_url>]
        [--jwt_secret=<jwt_secret>]
    copadd token --name=<name> [--email=<email>] [--project=<project>]
        [--jwt_secret=<jwt_secret>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --storage_url=<storage_url>
    --jwt_secret=<jwt_secret>    HMAC secret. When omitted, read from
                                 COPAD_JWT_SECRET or prompted for on a
                                 terminal; otherwise %q.
    --name=<name>
    --email=<email>
    --project=<project>
    -p --port=<port>   Listen port [default: 8080].`,
		DefaultStorageUrl,
		DefaultJwtSecret,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	var storageUrl string
	if storageUrlAny := opts["--storage_url"]; storageUrlAny != nil {
		storageUrl = storageUrlAny.(string)
	} else {
		storageUrl = DefaultStorageUrl
	}

	jwtSecret := readJwtSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer cancel()
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		select {
		case <-cancelCtx.Done():
		case <-sigs:
		}
	}()

	hooks := copad.DefaultHooks(jwtSecret)

	switch {
	case strings.HasPrefix(storageUrl, "postgres://"):
		pgStorage, err := storage.NewPgStorage(cancelCtx, storageUrl)
		if err != nil {
			panic(err)
		}
		defer pgStorage.Close()
		pgStorage.Bind(hooks)
	case strings.HasPrefix(storageUrl, "redis://"), strings.HasPrefix(storageUrl, "rediss://"):
		redisStorage, err := storage.NewRedisStorage(cancelCtx, storageUrl)
		if err != nil {
			panic(err)
		}
		defer redisStorage.Close()
		redisStorage.Bind(hooks)
	default:
		boltStorage, err := storage.NewBoltStorage(storageUrl)
		if err != nil {
			panic(err)
		}
		defer boltStorage.Close()
		boltStorage.Bind(hooks)
	}

	service := copad.NewServiceWithDefaults(cancelCtx, hooks)
	defer service.Close()

	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	ws := func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go service.HandleConnection(conn)
	}

	// the project in the path is informational; the verify frame names the
	// project that gets joined
	router := mux.NewRouter()
	router.HandleFunc("/ws", ws)
	router.HandleFunc("/ws/{project}", ws)
	router.Handle("/status", &Status{})

	fmt.Printf("copadd %s on *:%d (storage %s)\n", RequireVersion(), port, storageUrl)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	select {
	case <-cancelCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func token(opts docopt.Opts) {
	name := opts["--name"].(string)

	var email string
	if emailAny := opts["--email"]; emailAny != nil {
		email = emailAny.(string)
	}

	var project string
	if projectAny := opts["--project"]; projectAny != nil {
		project = projectAny.(string)
	}

	signed, err := copad.SignUserToken(readJwtSecret(opts), name, email, project)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", signed)
}

// readJwtSecret resolves the HMAC secret: the flag, then the environment,
// then an interactive prompt when stdin is a terminal, then the dev default.
func readJwtSecret(opts docopt.Opts) []byte {
	if secretAny := opts["--jwt_secret"]; secretAny != nil {
		return []byte(secretAny.(string))
	}
	if secret := os.Getenv("COPAD_JWT_SECRET"); secret != "" {
		return []byte(secret)
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "jwt secret: ")
		secretBytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err == nil && 0 < len(secretBytes) {
			return secretBytes
		}
	}
	return []byte(DefaultJwtSecret)
}

type Status struct {
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version string `json:"version"`
		Status  string `json:"status"`
	}

	result := &StatusResult{
		Version: RequireVersion(),
		Status:  "ok",
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func RequireVersion() string {
	if version := os.Getenv("COPAD_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
