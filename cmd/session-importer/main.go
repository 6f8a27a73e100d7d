package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tg-mailing-bot/internal/adapters/mtproto"
	"tg-mailing-bot/internal/adapters/repo"
	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/config"
	"tg-mailing-bot/internal/infra/db"
)

const importTimeout = time.Minute

func main() {
	var (
		dir         string
		sessionName string
		skipCheck   bool
	)
	flag.StringVar(&dir, "dir", "", "Directory with session files (*.session, *.json, *.txt)")
	flag.StringVar(&sessionName, "name", "", "Session name override, only for a single file")
	flag.BoolVar(&skipCheck, "skip-check", false, "Store sessions without connecting to Telegram")
	flag.Parse()

	files := flag.Args()
	if dir != "" {
		found, err := sessionFiles(dir)
		if err != nil {
			log.Fatal().Err(err).Msg("session-importer: failed to list session directory")
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		log.Fatal().Msg("session-importer: pass session files as arguments or -dir")
	}
	if sessionName != "" && len(files) != 1 {
		log.Fatal().Msg("session-importer: -name is allowed only with a single file")
	}

	cfg := config.Load()
	if cfg.PGDSN == "" {
		log.Fatal().Msg("session-importer: PG_DSN environment variable is required")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: failed to connect to database")
	}
	defer pool.Close()

	imp := importer{
		repo:      repo.NewPostgres(pool),
		apiID:     cfg.Telegram.APIID,
		apiHash:   cfg.Telegram.APIHash,
		skipCheck: skipCheck,
		log:       log.Logger,
	}

	failed := 0
	for _, path := range files {
		name := sessionName
		if name == "" {
			name = mtproto.SessionNameFromPath(path)
		}
		ctx, cancel := context.WithTimeout(context.Background(), importTimeout)
		account, err := imp.importFile(ctx, path, name)
		cancel()
		if err != nil {
			failed++
			log.Error().Err(err).Str("file", path).Msg("session-importer: session skipped")
			continue
		}
		fmt.Printf("Imported %q as account %d (%s, %s)\n", name, account.ID, account.Name, account.Phone)
	}
	fmt.Printf("Done: %d imported, %d failed\n", len(files)-failed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// sessionFiles возвращает файлы сессий каталога. JSON с метаданными рядом с
// одноимённой .session не считается отдельной сессией.
func sessionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sessions := make(map[string]bool)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".session") {
			sessions[mtproto.SessionNameFromPath(e.Name())] = true
		}
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch filepath.Ext(name) {
		case ".session", ".txt":
		case ".json":
			if sessions[mtproto.SessionNameFromPath(name)] {
				continue
			}
		default:
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	return files, nil
}

type importer struct {
	repo      *repo.Postgres
	apiID     int
	apiHash   string
	skipCheck bool
	log       zerolog.Logger
}

func (imp importer) importFile(ctx context.Context, path, name string) (domain.Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Account{}, err
	}
	data, converted, err := mtproto.NormalizeSessionBytes(raw)
	if err != nil {
		return domain.Account{}, err
	}
	if converted {
		imp.log.Info().Str("session", name).Msg("session-importer: converted to gotd JSON format")
	}

	meta := mtproto.ParseAccountMeta(raw)
	if sidecar, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".json"); err == nil && filepath.Ext(path) != ".json" {
		meta = mtproto.ParseAccountMeta(sidecar)
	}

	account := domain.Account{
		Name:        name,
		Phone:       meta.Phone,
		APIID:       meta.APIID,
		APIHash:     meta.APIHash,
		SessionName: name,
		Active:      true,
	}
	if account.Phone == "" {
		account.Phone = mtproto.PhoneFromSessionName(name)
	}

	if !imp.skipCheck {
		self, err := imp.check(ctx, account, data)
		if err != nil {
			return domain.Account{}, err
		}
		account.TGUserID = self.TGUserID
		account.Username = self.Username
		if self.Phone != "" {
			account.Phone = "+" + strings.TrimPrefix(self.Phone, "+")
		}
		switch {
		case self.FirstName != "":
			account.Name = self.FirstName
		case self.Username != "":
			account.Name = self.Username
		default:
			account.Name = fmt.Sprintf("User_%d", self.TGUserID)
		}
	}

	if err := imp.repo.StoreMTProtoSession(ctx, name, data); err != nil {
		return domain.Account{}, fmt.Errorf("store session: %w", err)
	}
	return imp.repo.UpsertAccount(ctx, account)
}

// check подключается с копией сессии в памяти и возвращает владельца.
func (imp importer) check(ctx context.Context, account domain.Account, data []byte) (domain.SelfInfo, error) {
	apiID, apiHash := account.APIID, account.APIHash
	if apiID == 0 || apiHash == "" {
		apiID, apiHash = imp.apiID, imp.apiHash
	}
	if apiID == 0 || apiHash == "" {
		return domain.SelfInfo{}, errors.New("TG_API_ID/TG_API_HASH are required to check the session")
	}
	t, err := mtproto.Open(ctx, apiID, apiHash, mtproto.NewSessionInMemory(data), imp.log)
	if err != nil {
		return domain.SelfInfo{}, err
	}
	defer t.Close()

	ok, err := t.Authorized(ctx)
	if err != nil {
		return domain.SelfInfo{}, err
	}
	if !ok {
		return domain.SelfInfo{}, domain.ErrNotAuthorized
	}
	return t.Self(ctx)
}
