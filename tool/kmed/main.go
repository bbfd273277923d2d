/*
Copyright 2024 QKD Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command kmed runs a key management entity serving the ETSI GS QKD 014
// key delivery API.
package main

import (
	"context"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/qkdlab/kmed"
	"github.com/qkdlab/kmed/lib/config"
	"github.com/qkdlab/kmed/lib/kmd"
	"github.com/qkdlab/kmed/lib/tlsca"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("kmed", "Key management entity serving the ETSI GS QKD 014 key delivery API.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the key management entity.")
	configPath := start.Flag("config", "Path to the YAML configuration file.").
		Short('c').Default("/etc/kmed/kmed.yaml").String()

	certgen := app.Command("certgen", "Generate a deployment CA, a server certificate and SAE client certificates.")
	certgenDir := certgen.Flag("dir", "Output directory for the PEM files.").Default(".").String()
	certgenKMEID := certgen.Flag("kme-id", "KME identifier for the server certificate.").Required().String()
	certgenSAEs := certgen.Flag("sae-id", "SAE identifier to issue a client certificate for; repeatable.").Strings()
	certgenDNS := certgen.Flag("dns", "DNS name for the server certificate; repeatable.").Default("localhost").Strings()
	certgenIPs := certgen.Flag("ip", "IP address for the server certificate; repeatable.").Default("127.0.0.1").IPList()
	certgenTTL := certgen.Flag("ttl", "Leaf certificate validity period.").Default("8760h").Duration()

	ver := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath))
	case certgen.FullCommand():
		return trace.Wrap(onCertgen(*certgenDir, *certgenKMEID, *certgenSAEs, *certgenDNS, *certgenIPs, *certgenTTL))
	case ver.FullCommand():
		fmt.Printf("kmed v%v (api %v)\n", kmed.Version, kmed.APIVersion)
		return nil
	}
	return trace.BadParameter("unknown command %q", command)
}

func onStart(configPath string) error {
	fc, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	logger, err := config.NewLogger(fc.Log)
	if err != nil {
		return trace.Wrap(err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Apply(ctx, fc)
	if err != nil {
		return trace.Wrap(err)
	}
	defer cfg.Store.Close()

	server, err := kmd.NewServer(*cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(server.Run(ctx))
}

func onCertgen(dir, kmeID string, saeIDs, dnsNames []string, ips []net.IP, ttl time.Duration) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}

	ca, caPEM, caKeyPEM, err := tlsca.GenerateSelfSignedCA(tlsca.GenerateCAConfig{
		Entity: pkix.Name{CommonName: kmeID + " deployment CA"},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := writePEMPair(dir, "ca", caPEM, caKeyPEM); err != nil {
		return trace.Wrap(err)
	}

	serverPEM, serverKeyPEM, err := ca.IssueCert(tlsca.IssueCertConfig{
		CommonName:  kmeID,
		DNSNames:    dnsNames,
		IPAddresses: ips,
		Server:      true,
		TTL:         ttl,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := writePEMPair(dir, "server", serverPEM, serverKeyPEM); err != nil {
		return trace.Wrap(err)
	}

	for _, saeID := range saeIDs {
		certPEM, keyPEM, err := ca.IssueCert(tlsca.IssueCertConfig{
			CommonName: saeID,
			TTL:        ttl,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if err := writePEMPair(dir, saeID, certPEM, keyPEM); err != nil {
			return trace.Wrap(err)
		}
	}

	fmt.Printf("wrote CA, server and %v client certificate(s) to %v\n", len(saeIDs), dir)
	return nil
}

func writePEMPair(dir, name string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(filepath.Join(dir, name+".pem"), certPEM, 0o644); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+"-key.pem"), keyPEM, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
