package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

// TxnMeta is the metadata the transformer attaches to BEGIN and COMMIT
// lines so the applier can route without parsing SQL.
type TxnMeta struct {
	XID       uint32 `json:"xid,omitempty"`
	LSN       string `json:"lsn,omitempty"`
	CommitLSN string `json:"commit_lsn,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Transformer converts JSON segment files into replayable SQL scripts, one
// .sql per segment. Transactions are emitted atomically: a transaction that
// straddles segment files stays buffered until its COMMIT is seen.
type Transformer struct {
	cfg   *config.Config
	paths *workdir.Paths

	// SQLDone announces each completed .sql script to the applier.
	SQLDone chan string

	// open transaction carried across segment boundaries
	txn *pendingTxn
}

type pendingTxn struct {
	begin      *LogicalMessage
	statements []string
}

func NewTransformer(cfg *config.Config, paths *workdir.Paths) *Transformer {
	return &Transformer{
		cfg:     cfg,
		paths:   paths,
		SQLDone: make(chan string, 16),
	}
}

// Run transforms every announced segment in order until the feed closes.
func (t *Transformer) Run(segments <-chan string) error {
	defer close(t.SQLDone)

	for jsonPath := range segments {
		sqlPath, err := t.TransformFile(jsonPath)
		if err != nil {
			return err
		}
		t.SQLDone <- sqlPath
	}

	return nil
}

// TransformFile rewrites one segment file into its SQL script and returns
// the script path.
func (t *Transformer) TransformFile(jsonPath string) (string, error) {
	sqlPath := strings.TrimSuffix(jsonPath, ".json") + ".sql"
	tmpPath := sqlPath + partialSuffix

	in, err := os.Open(jsonPath)
	if err != nil {
		return "", fmt.Errorf("open segment file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create sql script: %w", err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := UnmarshalLine(line)
		if err != nil {
			return "", err
		}

		if err := t.transformMessage(w, msg); err != nil {
			return "", err
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan segment file: %w", err)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush sql script: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("sync sql script: %w", err)
	}

	if err := os.Rename(tmpPath, sqlPath); err != nil {
		return "", fmt.Errorf("rename sql script: %w", err)
	}

	logger.Info("transformed segment", "script", sqlPath)
	return sqlPath, nil
}

func (t *Transformer) transformMessage(w *bufio.Writer, msg *LogicalMessage) error {
	switch msg.Action {
	case ActionBegin:
		if t.txn != nil {
			return fmt.Errorf("nested BEGIN at %s (xid %d)", msg.LSN, msg.XID)
		}
		t.txn = &pendingTxn{begin: msg}
		return nil

	case ActionCommit:
		if t.txn == nil {
			logger.Notice("COMMIT without BEGIN, skipping", "lsn", msg.LSN.String())
			return nil
		}
		err := t.emitTransaction(w, t.txn, msg)
		t.txn = nil
		return err

	case ActionInsert, ActionUpdate, ActionDelete, ActionTruncate:
		sql, err := ChangeSQL(msg.Action, msg.Change)
		if err != nil {
			if t.cfg.Strict {
				return err
			}
			logger.Warn("skipping change", "error", err)
			return nil
		}
		if t.txn == nil {
			// a change outside any transaction means we lost the BEGIN to
			// a resume boundary; the source re-sends from a commit point,
			// so this is a protocol violation
			return fmt.Errorf("change outside transaction at %s", msg.LSN)
		}
		t.txn.statements = append(t.txn.statements, sql)
		return nil

	case ActionMessage:
		if t.txn != nil {
			t.txn.statements = append(t.txn.statements,
				fmt.Sprintf("-- MESSAGE %s", marshalCompact(msg.Change)))
			return nil
		}
		_, err := fmt.Fprintf(w, "-- MESSAGE %s\n", marshalCompact(msg.Change))
		return err

	case ActionKeepalive:
		// no-op progress point carrying an LSN
		_, err := fmt.Fprintf(w, "-- KEEPALIVE %s\n", marshalMeta(TxnMeta{LSN: msg.LSN.String()}))
		return err

	case ActionSwitch:
		_, err := fmt.Fprintf(w, "-- SWITCH %s\n", marshalMeta(TxnMeta{LSN: msg.LSN.String()}))
		return err

	case ActionEndpos:
		_, err := fmt.Fprintf(w, "-- ENDPOS %s\n", marshalMeta(TxnMeta{LSN: msg.LSN.String()}))
		return err

	default:
		if t.cfg.Strict {
			return fmt.Errorf("%w: action %q", ErrUnknownMessageShape, msg.Action)
		}
		logger.Warn("skipping message", "action", string(msg.Action))
		return nil
	}
}

// emitTransaction writes one source transaction as an atomic block. The
// BEGIN marker carries the commit LSN discovered here, so the applier can
// decide to skip duplicates before executing anything.
func (t *Transformer) emitTransaction(w *bufio.Writer, txn *pendingTxn, commit *LogicalMessage) error {
	commitLSN := commit.CommitLSN
	if commitLSN == pg.InvalidLSN {
		commitLSN = commit.LSN
	}

	meta := TxnMeta{
		XID:       txn.begin.XID,
		LSN:       txn.begin.LSN.String(),
		CommitLSN: commitLSN.String(),
		Timestamp: commit.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	if _, err := fmt.Fprintf(w, "BEGIN; -- %s\n", marshalMeta(meta)); err != nil {
		return err
	}

	for _, sql := range txn.statements {
		if _, err := fmt.Fprintln(w, sql); err != nil {
			return err
		}
	}

	commitMeta := TxnMeta{
		CommitLSN: commitLSN.String(),
		Timestamp: meta.Timestamp,
	}
	if _, err := fmt.Fprintf(w, "COMMIT; -- %s\n", marshalMeta(commitMeta)); err != nil {
		return err
	}

	return nil
}

func marshalMeta(meta TxnMeta) string {
	b, _ := json.Marshal(meta)
	return string(b)
}

func marshalCompact(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
