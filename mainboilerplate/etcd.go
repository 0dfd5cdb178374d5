package mainboilerplate

import (
	"context"
	"crypto/tls"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

// EtcdConfig configures the application Etcd client.
type EtcdConfig struct {
	Address       string        `long:"address" env:"ADDRESS" default:"http://localhost:2379" description:"Etcd service address endpoint"`
	Username      string        `long:"username" env:"USERNAME" default:"" description:"Etcd authentication username"`
	Password      string        `long:"password" env:"PASSWORD" default:"" description:"Etcd authentication password" no-ini:"true"`
	CertFile      string        `long:"cert-file" env:"CERT_FILE" default:"" description:"Path to the client TLS certificate"`
	CertKeyFile   string        `long:"cert-key-file" env:"CERT_KEY_FILE" default:"" description:"Path to the client TLS private key"`
	TrustedCAFile string        `long:"trusted-ca-file" env:"TRUSTED_CA_FILE" default:"" description:"Path to the trusted CA for client verification of server certificates"`
	DialTimeout   time.Duration `long:"dial-timeout" env:"DIAL_TIMEOUT" default:"5s" description:"Timeout for establishing each Etcd connection"`
	Root          string        `long:"root" env:"ROOT" default:"/framepipe" description:"Etcd key prefix under which stage records and queues live"`
}

// MustDial builds an Etcd client connection.
func (c *EtcdConfig) MustDial() *clientv3.Client {
	var addr, err = url.Parse(c.Address)
	Must(err, "failed to parse Etcd address", "address", c.Address)

	var tlsConfig *tls.Config

	switch addr.Scheme {
	case "https":
		var info = transport.TLSInfo{
			CertFile:      c.CertFile,
			KeyFile:       c.CertKeyFile,
			TrustedCAFile: c.TrustedCAFile,
		}
		tlsConfig, err = info.ClientConfig()
		Must(err, "failed to build TLS config")
	case "unix":
		// The Etcd client requires hostname is stripped from unix:// URLs.
		addr.Host = ""
	}

	// Use a blocking dial to build a trial connection to Etcd. If we're actively
	// partitioned or mis-configured there's nothing actionable to do anyway
	// aside from wait (or be SIGTERM'd).
	var timer = time.AfterFunc(time.Second, func() {
		log.WithField("addr", addr.String()).Warn("dialing Etcd is taking a while (is network okay?)")
	})
	trialEtcd, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{addr.String()},
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		Username:    c.Username,
		Password:    c.Password,
		TLS:         tlsConfig,
	})
	Must(err, "failed to build trial Etcd client")

	_ = trialEtcd.Close()
	timer.Stop()

	etcd, err := clientv3.New(clientv3.Config{
		Endpoints: []string{addr.String()},
		// Automatically and periodically sync the set of Etcd servers.
		AutoSyncInterval:     time.Minute,
		DialTimeout:          c.DialTimeout,
		DialKeepAliveTime:    10 * time.Second,
		DialKeepAliveTimeout: c.DialTimeout,
		// Frame records are far larger than typical Etcd values.
		MaxCallSendMsgSize: 16 << 20,
		MaxCallRecvMsgSize: 64 << 20,
		RejectOldCluster:   true,
		Username:           c.Username,
		Password:           c.Password,
		TLS:                tlsConfig,
	})
	Must(err, "failed to build Etcd client")

	Must(etcd.Sync(context.Background()), "initial Etcd endpoint sync failed")
	return etcd
}
