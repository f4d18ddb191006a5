package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/dNomad/lib/lockmgr"
	"github.com/ValentinKolb/dNomad/lib/nomad"
	nomadserver "github.com/ValentinKolb/dNomad/lib/nomad/server"
	"github.com/ValentinKolb/dNomad/lib/settings"
	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/ValentinKolb/dNomad/rpc/serializer"
	"github.com/ValentinKolb/dNomad/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// serverShard is a struct that represents a shard in the RPC server
// It contains the nomad server it encapsulates, the settings applied by it
// and the adapter that handles requests for the server
type serverShard struct {
	Server   nomad.INomadServer
	Settings *settings.Applicator
	Adapter  IRPCServerAdapter
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewJSONSerializer(),
//	)
//
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *rpcServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	// Create the RPC server
	return &rpcServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     xsync.NewMapOf[uint64, serverShard](),
		locks:      lockmgr.NewDirectoryLockManager(lockmgr.NewRegistry()),
		ready:      make(chan struct{}),
	}
}

type rpcServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	shards     *xsync.MapOf[uint64, serverShard]
	locks      lockmgr.ILockManager

	readyOnce sync.Once
	ready     chan struct{}
}

func (s *rpcServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(shardId uint64, req []byte) []byte {
		var msg common.Message
		var respMsg common.Message

		// Get appropriate shard
		shard, ok := s.shards.Load(shardId)

		// Case shard does not exist -> error
		if !ok {
			respMsg = *common.NewErrorResponse(fmt.Sprintf("shard %d not found", shardId))
		} else {
			// Decode the request
			err := s.serializer.Deserialize(req, &msg)

			if err != nil {
				respMsg = *common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
			} else {
				// Let the adapter handle the request
				respMsg = *shard.Adapter.Handle(&msg, shard.Server)
			}
		}

		// Return result
		val, err := s.serializer.Serialize(respMsg)
		if err != nil {
			Logger.Errorf("failed to serialize response: %v", err)
			val, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err)))
		}
		return val
	})
}

// openShard opens the nomad server of a shard and loads its committed settings
func (s *rpcServer) openShard(shardConfig common.ServerShard) (serverShard, error) {
	applicator, err := settings.NewApplicator("")
	if err != nil {
		return serverShard{}, err
	}

	srv, err := nomadserver.Open(shardConfig.DisplayName(), s.config.ShardDir(shardConfig.ShardID), s.locks, applicator,
		nomadserver.WithCompactThreshold(s.config.CompactThresholdKB*1024))
	if err != nil {
		return serverShard{}, err
	}

	state, err := srv.Discover()
	if err == nil {
		err = applicator.Load(state.CommittedConfig)
	}
	if err != nil {
		_ = srv.Close()
		return serverShard{}, fmt.Errorf("failed to load committed settings: %w", err)
	}

	return serverShard{
		Server:   srv,
		Settings: applicator,
		Adapter:  NewNomadServerAdapter(),
	}, nil
}

func (s *rpcServer) init() error {

	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	// Init logger
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}

	// CREATE SHARDS

	/*
		Note: A single RPC Server can host any number of shards. Each shard is an
		independent nomad server with its own state directory below the data dir.
	*/

	for _, shardConfig := range s.config.Shards {
		shard, err := s.openShard(shardConfig)
		if err != nil {
			return errors.Join(
				fmt.Errorf("failed to open shard %d: %w", shardConfig.ShardID, err),
				s.closeShards(),
			)
		}
		s.shards.Store(shardConfig.ShardID, shard)
		Logger.Infof("opened nomad server %s for shard %d", shardConfig.DisplayName(), shardConfig.ShardID)
	}

	Logger.Infof("dNomad setup completed successfully")

	// Configure the transport layer
	s.registerTransportHandler()

	return nil
}

// Serve starts the RPC server
// This function will also initialize the shards and start the transport layer.
// It blocks until ctx is cancelled or the transport fails and closes all shards
// before returning.
func (s *rpcServer) Serve(ctx context.Context) error {
	if err := s.init(); err != nil {
		return err
	}

	var result *multierror.Error

	// Optional metrics endpoint
	var metricsServer *http.Server
	if s.config.MetricsEndpoint != "" {
		metricsServer = s.startMetricsServer()
	}

	s.readyOnce.Do(func() { close(s.ready) })
	if err := s.transport.Listen(ctx, s.config); err != nil {
		result = multierror.Append(result, err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
		cancel()
	}

	if err := s.closeShards(); err != nil {
		result = multierror.Append(result, err)
	}
	Logger.Infof("RPC server stopped")
	return result.ErrorOrNil()
}

// Ready is closed once all shards are open and the transport starts listening
func (s *rpcServer) Ready() <-chan struct{} {
	return s.ready
}

// Settings returns the effective settings of a shard
func (s *rpcServer) Settings(shardId uint64) (map[string]string, bool) {
	shard, ok := s.shards.Load(shardId)
	if !ok {
		return nil, false
	}
	return shard.Settings.Effective(), true
}

func (s *rpcServer) startMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	srv := &http.Server{
		Addr:              s.config.MetricsEndpoint,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		Logger.Infof("Starting metrics server on %s", s.config.MetricsEndpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server failed: %v", err)
		}
	}()
	return srv
}

func (s *rpcServer) closeShards() error {
	var result *multierror.Error
	s.shards.Range(func(id uint64, shard serverShard) bool {
		if err := shard.Server.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("shard %d: %w", id, err))
		}
		s.shards.Delete(id)
		return true
	})
	return result.ErrorOrNil()
}
