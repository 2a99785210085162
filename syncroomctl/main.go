package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"gopkg.in/yaml.v3"

	"bringyour.com/syncroom/syncroom"
)

const SyncRoomCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sync room server.

Serves collaborative sync rooms over websocket. Clients connect to
/rooms/{roomId}/sync and exchange patch/reconnect/ack/clientCount
messages. Snapshots of the durable room state are readable at
/rooms/{roomId}/snapshot.

Usage:
    syncroomctl serve [--config=<config>] [--port=<port>]
        [--storage=<storage>]
        [--data_dir=<data_dir>]
        [--redis_url=<redis_url>]
        [--pg_url=<pg_url>]
        [--idle_timeout=<idle_timeout>]
        [--save_throttle=<save_throttle>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Yaml config file. File values take
                                     precedence over flags.
    -p --port=<port>                 Listen port [default: 8080].
    --storage=<storage>              One of memory, file, redis, postgres [default: memory].
    --data_dir=<data_dir>            Snapshot directory for file storage [default: ./data].
    --redis_url=<redis_url>          Redis url for redis storage.
    --pg_url=<pg_url>                Postgres url for postgres storage.
    --idle_timeout=<idle_timeout>    Seconds before an empty room is evicted [default: 60].
    --save_throttle=<save_throttle>  Save throttle window in milliseconds [default: 2000].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncRoomCtlVersion)
	if err != nil {
		panic(err)
	}

	// route glog to stderr alongside Out/Err
	flag.Set("logtostderr", "true")
	flag.Parse()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

type serverConfig struct {
	Port               int    `yaml:"port"`
	Storage            string `yaml:"storage"`
	DataDir            string `yaml:"data_dir"`
	RedisUrl           string `yaml:"redis_url"`
	PgUrl              string `yaml:"pg_url"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_s"`
	SaveThrottleMillis int    `yaml:"save_throttle_ms"`
}

func loadConfig(opts docopt.Opts) *serverConfig {
	config := &serverConfig{}
	config.Port, _ = opts.Int("--port")
	config.Storage, _ = opts.String("--storage")
	config.DataDir, _ = opts.String("--data_dir")
	config.RedisUrl, _ = opts.String("--redis_url")
	config.PgUrl, _ = opts.String("--pg_url")
	if idleTimeout, err := opts.String("--idle_timeout"); err == nil {
		config.IdleTimeoutSeconds, _ = strconv.Atoi(idleTimeout)
	}
	if saveThrottle, err := opts.String("--save_throttle"); err == nil {
		config.SaveThrottleMillis, _ = strconv.Atoi(saveThrottle)
	}

	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			Err.Fatalf("cannot read config %s = %s", configPath, err)
		}
		fileConfig := &serverConfig{}
		if err := yaml.Unmarshal(data, fileConfig); err != nil {
			Err.Fatalf("cannot parse config %s = %s", configPath, err)
		}
		if fileConfig.Port != 0 {
			config.Port = fileConfig.Port
		}
		if fileConfig.Storage != "" {
			config.Storage = fileConfig.Storage
		}
		if fileConfig.DataDir != "" {
			config.DataDir = fileConfig.DataDir
		}
		if fileConfig.RedisUrl != "" {
			config.RedisUrl = fileConfig.RedisUrl
		}
		if fileConfig.PgUrl != "" {
			config.PgUrl = fileConfig.PgUrl
		}
		if fileConfig.IdleTimeoutSeconds != 0 {
			config.IdleTimeoutSeconds = fileConfig.IdleTimeoutSeconds
		}
		if fileConfig.SaveThrottleMillis != 0 {
			config.SaveThrottleMillis = fileConfig.SaveThrottleMillis
		}
	}
	return config
}

func serve(opts docopt.Opts) {
	config := loadConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	createStorage, closeStorage := createStorageFactory(ctx, config)
	defer closeStorage()

	managerSettings := syncroom.DefaultRoomManagerSettings()
	managerSettings.IdleTimeout = time.Duration(config.IdleTimeoutSeconds) * time.Second
	managerSettings.RoomSettings.SaveThrottleTimeout = time.Duration(config.SaveThrottleMillis) * time.Millisecond
	manager := syncroom.NewRoomManager(ctx, createStorage, managerSettings)
	defer manager.CloseAll()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		type roomStatus struct {
			RoomId      string `json:"roomId"`
			ClientCount int    `json:"clientCount"`
		}
		statuses := []roomStatus{}
		for _, roomId := range manager.GetRoomIds() {
			if room := manager.GetExistingRoom(roomId); room != nil {
				statuses = append(statuses, roomStatus{
					RoomId:      roomId,
					ClientCount: room.ClientCount(),
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statuses)
	}).Methods("GET")

	router.HandleFunc("/rooms/{roomId}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		roomId := mux.Vars(r)["roomId"]
		room := manager.GetExistingRoom(roomId)
		if room == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(room.GetSnapshot())
	}).Methods("GET")

	router.HandleFunc("/rooms/{roomId}/sync", func(w http.ResponseWriter, r *http.Request) {
		roomId := mux.Vars(r)["roomId"]
		sessionId := idFromQuery(r, "session_id")
		clientId := idFromQuery(r, "client_id")

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			Err.Printf("upgrade error %s = %s", roomId, err)
			return
		}

		transport := syncroom.NewWsTransportWithDefaults(ctx, ws)
		if _, err := manager.Connect(ctx, roomId, sessionId, transport, clientId); err != nil {
			Err.Printf("connect error %s = %s", roomId, err)
			transport.Close()
			return
		}
		// blocks for the life of the connection
		transport.Run()
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stop:
		case <-ctx.Done():
		}
		manager.CloseAll()
		server.Shutdown(context.Background())
	}()

	Out.Printf("syncroomctl listening on :%d (storage=%s)", config.Port, config.Storage)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		Err.Fatalf("server error = %s", err)
	}
}

// idFromQuery parses a caller-supplied id so that a reconnecting client
// can keep its stable session id. A missing or bad value gets a fresh id.
func idFromQuery(r *http.Request, key string) syncroom.Id {
	if value := r.URL.Query().Get(key); value != "" {
		if id, err := syncroom.ParseId(value); err == nil {
			return id
		}
	}
	return syncroom.NewId()
}

func createStorageFactory(ctx context.Context, config *serverConfig) (syncroom.CreateStorageFunction, func()) {
	noop := func() {}
	switch config.Storage {
	case "", "memory":
		return func(roomId string) syncroom.StorageAdapter {
			return syncroom.NewMemoryStorage()
		}, noop

	case "file":
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			Err.Fatalf("cannot create data dir %s = %s", config.DataDir, err)
		}
		return func(roomId string) syncroom.StorageAdapter {
			// room ids come from urls and are not trusted as paths
			name := fmt.Sprintf("%s.json", url.PathEscape(roomId))
			return syncroom.NewFileStorage(filepath.Join(config.DataDir, name))
		}, noop

	case "redis":
		redisOptions, err := redis.ParseURL(config.RedisUrl)
		if err != nil {
			Err.Fatalf("bad redis url = %s", err)
		}
		client := redis.NewClient(redisOptions)
		return func(roomId string) syncroom.StorageAdapter {
				return syncroom.NewRedisStorage(client, roomId)
			}, func() {
				client.Close()
			}

	case "postgres":
		pool, err := pgxpool.New(ctx, config.PgUrl)
		if err != nil {
			Err.Fatalf("cannot connect to postgres = %s", err)
		}
		if err := syncroom.EnsurePgSchema(ctx, pool); err != nil {
			Err.Fatalf("cannot ensure postgres schema = %s", err)
		}
		return func(roomId string) syncroom.StorageAdapter {
			return syncroom.NewPgStorage(pool, roomId)
		}, pool.Close

	default:
		Err.Fatalf("unknown storage %s", config.Storage)
		return nil, noop
	}
}
