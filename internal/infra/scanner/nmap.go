package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/openctemio/scanworker/pkg/domain/scanresult"
)

// NetworkPortConfig configures the nmap-backed runner.
type NetworkPortConfig struct {
	BinaryPath string
	Timeout    time.Duration
	MaxOutput  int64
}

// NetworkPortRunner runs nmap service detection against a single host.
type NetworkPortRunner struct {
	cfg NetworkPortConfig
}

// NewNetworkPortRunner creates a NetworkPortRunner.
func NewNetworkPortRunner(cfg NetworkPortConfig) *NetworkPortRunner {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "nmap"
	}
	return &NetworkPortRunner{cfg: cfg}
}

// Args builds nmap's argument vector. The target is always last.
func (r *NetworkPortRunner) Args(target string, opts Options) []string {
	timing := "-T4"
	if opts.Timing != "" {
		timing = "-" + opts.Timing
	}
	args := []string{"-oX", "-", timing, "-sV"}

	switch {
	case opts.Ports != "":
		args = append(args, "-p", opts.Ports)
	case opts.TopPorts > 0:
		args = append(args, "--top-ports", strconv.Itoa(opts.TopPorts))
	case opts.Profile == "quick":
		args = append(args, "-F")
	}
	if opts.Profile == "full" {
		args = append(args, "-A")
	}
	return append(args, target)
}

// Run implements Runner.
func (r *NetworkPortRunner) Run(ctx context.Context, req Request) (*scanresult.Result, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	job := req.Job
	opts := SanitizeOptions(job.ScannerType, job.Options)

	out, err := Exec(ctx, Command{
		Path:      r.cfg.BinaryPath,
		Args:      r.Args(job.Target, opts),
		Timeout:   r.cfg.Timeout,
		MaxOutput: r.cfg.MaxOutput,
	})
	if err != nil {
		return nil, err
	}

	hosts, err := parseNmapOutput(out.Stdout)
	if err != nil {
		return nil, newParseError("could not parse nmap output", out, err)
	}

	summary := summarizeHosts(hosts, job.Target)
	summary.OptionsUsed = opts.ToMap()
	return completed(job, out, summary, rawJSON(out.Stdout), 1), nil
}

// nmapHost is the subset of a scanned host the summary needs, shared by
// the XML and JSON decoders.
type nmapHost struct {
	Addr  string
	Up    bool
	Ports []nmapPort
}

type nmapPort struct {
	ID       string
	Protocol string
	State    string
	Service  string
	Product  string
	Version  string
}

func parseNmapOutput(data []byte) ([]nmapHost, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty output")
	}
	if trimmed[0] == '{' {
		return parseNmapJSON(trimmed)
	}
	return parseNmapXML(trimmed)
}

func parseNmapXML(data []byte) ([]nmapHost, error) {
	var run nmap.Run
	if err := nmap.Parse(data, &run); err != nil {
		return nil, err
	}
	hosts := make([]nmapHost, 0, len(run.Hosts))
	for _, h := range run.Hosts {
		host := nmapHost{Up: h.Status.State == "up"}
		if len(h.Addresses) > 0 {
			host.Addr = h.Addresses[0].Addr
		}
		for _, p := range h.Ports {
			host.Ports = append(host.Ports, nmapPort{
				ID:       strconv.Itoa(int(p.ID)),
				Protocol: p.Protocol,
				State:    p.State.State,
				Service:  p.Service.Name,
				Product:  p.Service.Product,
				Version:  p.Service.Version,
			})
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

// oneOrMany decodes a JSON value that converters emit as an object when
// there is a single element and as an array otherwise.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}
	if data[0] == '[' {
		var many []T
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*o = []T{one}
	return nil
}

// Attributes land under "$" in xml2js style documents.
type nmapJSONDoc struct {
	NmapRun struct {
		Host oneOrMany[struct {
			Status oneOrMany[struct {
				Attr struct {
					State string `json:"state"`
				} `json:"$"`
			}] `json:"status"`
			Address oneOrMany[struct {
				Attr struct {
					Addr string `json:"addr"`
				} `json:"$"`
			}] `json:"address"`
			Ports oneOrMany[struct {
				Port oneOrMany[struct {
					Attr struct {
						Protocol string `json:"protocol"`
						PortID   string `json:"portid"`
					} `json:"$"`
					State oneOrMany[struct {
						Attr struct {
							State string `json:"state"`
						} `json:"$"`
					}] `json:"state"`
					Service oneOrMany[struct {
						Attr struct {
							Name    string `json:"name"`
							Product string `json:"product"`
							Version string `json:"version"`
						} `json:"$"`
					}] `json:"service"`
				}] `json:"port"`
			}] `json:"ports"`
		}] `json:"host"`
	} `json:"nmaprun"`
}

func parseNmapJSON(data []byte) ([]nmapHost, error) {
	var doc nmapJSONDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	hosts := make([]nmapHost, 0, len(doc.NmapRun.Host))
	for _, h := range doc.NmapRun.Host {
		host := nmapHost{}
		if len(h.Status) > 0 {
			host.Up = h.Status[0].Attr.State == "up"
		}
		if len(h.Address) > 0 {
			host.Addr = h.Address[0].Attr.Addr
		}
		for _, group := range h.Ports {
			for _, p := range group.Port {
				port := nmapPort{ID: p.Attr.PortID, Protocol: p.Attr.Protocol}
				if len(p.State) > 0 {
					port.State = p.State[0].Attr.State
				}
				if len(p.Service) > 0 {
					port.Service = p.Service[0].Attr.Name
					port.Product = p.Service[0].Attr.Product
					port.Version = p.Service[0].Attr.Version
				}
				host.Ports = append(host.Ports, port)
			}
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func summarizeHosts(hosts []nmapHost, target string) scanresult.Summary {
	s := scanresult.Summary{
		TotalHosts:  max(1, len(hosts)),
		SummaryText: fmt.Sprintf("nmap scan for %s", target),
		Findings:    []scanresult.Finding{},
	}
	for _, h := range hosts {
		if h.Up {
			s.HostsUp++
		}
		addr := h.Addr
		if addr == "" {
			addr = target
		}
		for _, p := range h.Ports {
			s.TotalPorts++
			if p.State != "open" {
				continue
			}
			s.OpenPorts++
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			locator := addr + ":" + p.ID
			s.Findings = append(s.Findings, scanresult.Finding{
				// tcp/53 and udp/53 on one host are separate findings.
				ID:          fmt.Sprintf("%s/%s", locator, proto),
				Severity:    scanresult.SeverityInfo,
				Title:       fmt.Sprintf("Open port %s/%s", p.ID, proto),
				Description: describeService(p),
				Locator:     locator,
			})
		}
	}
	s.Recount()
	return s
}

func describeService(p nmapPort) string {
	var parts []string
	if p.Service != "" {
		parts = append(parts, "service: "+p.Service)
	}
	if p.Product != "" {
		parts = append(parts, "product: "+p.Product)
	}
	if p.Version != "" {
		parts = append(parts, "version: "+p.Version)
	}
	return strings.Join(parts, "; ")
}
