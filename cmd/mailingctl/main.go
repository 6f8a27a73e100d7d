package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/cache"
	"tg-mailing-bot/internal/infra/config"
	"tg-mailing-bot/internal/infra/queue"
	"tg-mailing-bot/internal/usecase/mailing"
)

const usage = `usage: mailingctl <command> [flags]

commands:
  start <job_id>       start a job
  stop <job_id>        stop a job
  delete <job_id>      delete a stopped job
  stop-all             stop every active job
  campaign [flags]     create and start jobs for every account/destination pair
  throttle [flags]     update night mode
  result <command_id>  print the stored result of a command
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfg := config.Load()
	if cfg.RedisAddr == "" {
		log.Fatal().Msg("mailingctl: REDIS_ADDR is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if os.Args[1] == "result" {
		if len(os.Args) < 3 {
			log.Fatal().Msg("mailingctl: command id is required")
		}
		raw, err := cache.NewRedis(client).Get(mailing.CommandResultKey(os.Args[2]))
		if errors.Is(err, cache.ErrMiss) {
			fmt.Println("no result yet")
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("mailingctl: failed to read result")
		}
		var result domain.CommandResult
		if err := json.Unmarshal(raw, &result); err != nil {
			log.Fatal().Err(err).Msg("mailingctl: malformed result")
		}
		printJSON(result)
		return
	}

	cmd, err := parseCommand(os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd.ID = uuid.NewString()

	var q domain.CommandQueue
	switch cfg.Queues.Driver {
	case "rabbitmq":
		rq, err := queue.NewRabbitCommandQueue(cfg.Queues.RabbitURL, cfg.Queues.Commands, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("mailingctl: failed to connect to RabbitMQ")
		}
		defer rq.Close()
		q = rq
	default:
		q = queue.NewRedisCommandQueue(client, cfg.Queues.Commands, log.Logger)
	}
	if err := q.Enqueue(ctx, cmd); err != nil {
		log.Fatal().Err(err).Msg("mailingctl: failed to enqueue command")
	}
	fmt.Printf("Enqueued %s command %s\n", cmd.Kind, cmd.ID)
}

func parseCommand(name string, args []string) (domain.Command, error) {
	switch name {
	case "start", "stop", "delete":
		if len(args) != 1 {
			return domain.Command{}, fmt.Errorf("%s: job id is required", name)
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return domain.Command{}, fmt.Errorf("%s: invalid job id %q", name, args[0])
		}
		return domain.Command{Kind: domain.CommandKind(name), JobID: id}, nil
	case "stop-all":
		return domain.Command{Kind: domain.CommandStopAll}, nil
	case "campaign":
		return parseCampaign(args)
	case "throttle":
		return parseThrottle(args)
	default:
		return domain.Command{}, fmt.Errorf("unknown command %q", name)
	}
}

func parseCampaign(args []string) (domain.Command, error) {
	fs := flag.NewFlagSet("campaign", flag.ContinueOnError)
	accounts := fs.String("accounts", "", "comma-separated account ids, empty means all active")
	destinations := fs.String("destinations", "", "comma-separated destination ids, empty means all of the account")
	text := fs.String("text", "", "message text, variants separated by ||")
	photo := fs.String("photo", "", "path to a photo")
	payloadFile := fs.String("payload", "", "path to a JSON payload")
	minInterval := fs.Int("min", 5, "minimum interval in minutes")
	maxInterval := fs.Int("max", 15, "maximum interval in minutes")
	if err := fs.Parse(args); err != nil {
		return domain.Command{}, err
	}

	spec := domain.FanoutSpec{MinInterval: *minInterval, MaxInterval: *maxInterval}
	var err error
	if spec.AccountIDs, err = parseIDs(*accounts); err != nil {
		return domain.Command{}, err
	}
	if spec.DestinationIDs, err = parseIDs(*destinations); err != nil {
		return domain.Command{}, err
	}
	if *payloadFile != "" {
		raw, err := os.ReadFile(*payloadFile)
		if err != nil {
			return domain.Command{}, err
		}
		if spec.Payload, err = domain.UnmarshalPayload(raw); err != nil {
			return domain.Command{}, err
		}
	} else if spec.Payload, err = domain.NewPayload(*text, *photo); err != nil {
		return domain.Command{}, err
	}
	if err := domain.ValidateIntervals(spec.MinInterval, spec.MaxInterval); err != nil {
		return domain.Command{}, err
	}
	return domain.Command{Kind: domain.CommandCampaign, Fanout: &spec}, nil
}

func parseThrottle(args []string) (domain.Command, error) {
	fs := flag.NewFlagSet("throttle", flag.ContinueOnError)
	enabled := fs.Bool("enabled", true, "enable night mode")
	start := fs.Int("start", 21, "window start hour")
	end := fs.Int("end", 5, "window end hour")
	multiplier := fs.Float64("multiplier", 2, "interval multiplier inside the window")
	if err := fs.Parse(args); err != nil {
		return domain.Command{}, err
	}
	w := domain.ThrottleWindow{Enabled: *enabled, StartHour: *start, EndHour: *end, Multiplier: *multiplier}
	return domain.Command{Kind: domain.CommandThrottle, Window: &w}, nil
}

func parseIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
