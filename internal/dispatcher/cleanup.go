package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/hogwarts-cloud/hogd/internal/transport"
)

// Topology is the set of queues and exchanges the dispatcher declares.
type Topology struct {
	Queues    []string `yaml:"queues"`
	Exchanges []string `yaml:"exchanges"`
}

// Cleanup prints the topology and deletes it from the broker once the
// operator answers y or Y. Any other answer leaves the broker untouched.
func Cleanup(ctx context.Context, dialer transport.Dialer, topology Topology, in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprintln(out, "The following will be deleted:")

	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(topology); err != nil {
		return false, fmt.Errorf("failed to print topology: %w", err)
	}
	encoder.Close()

	fmt.Fprint(out, "Are you sure (N/y): ")

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}

	if answer = strings.TrimSpace(answer); answer != "y" && answer != "Y" {
		fmt.Fprintln(out, "Aborted.")
		return false, nil
	}

	conn, err := dialer.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	var errs error

	for _, queue := range topology.Queues {
		purged, err := ch.QueueDelete(queue)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete queue %q: %w", queue, err))
			continue
		}
		fmt.Fprintf(out, "deleted queue %s (%d messages)\n", queue, purged)
	}

	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDelete(exchange); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete exchange %q: %w", exchange, err))
			continue
		}
		fmt.Fprintf(out, "deleted exchange %s\n", exchange)
	}

	return true, errs
}
