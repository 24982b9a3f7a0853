package anki

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kpauljoseph/merkwerk/pkg/utils"
)

const (
	ModelName = "Merkwerk"

	fieldSeparator = "\x1f"
	schemaVersion  = 11
)

const collectionSchema = `
CREATE TABLE col (
	id integer primary key,
	crt integer not null,
	mod integer not null,
	scm integer not null,
	ver integer not null,
	dty integer not null,
	usn integer not null,
	ls integer not null,
	conf text not null,
	models text not null,
	decks text not null,
	dconf text not null,
	tags text not null
);
CREATE TABLE notes (
	id integer primary key,
	guid text not null,
	mid integer not null,
	mod integer not null,
	usn integer not null,
	tags text not null,
	flds text not null,
	sfld integer not null,
	csum integer not null,
	flags integer not null,
	data text not null
);
CREATE TABLE cards (
	id integer primary key,
	nid integer not null,
	did integer not null,
	ord integer not null,
	mod integer not null,
	usn integer not null,
	type integer not null,
	queue integer not null,
	due integer not null,
	ivl integer not null,
	factor integer not null,
	reps integer not null,
	lapses integer not null,
	left integer not null,
	odue integer not null,
	odid integer not null,
	flags integer not null,
	data text not null
);
CREATE TABLE revlog (
	id integer primary key,
	cid integer not null,
	usn integer not null,
	ease integer not null,
	ivl integer not null,
	lastIvl integer not null,
	factor integer not null,
	time integer not null,
	type integer not null
);
CREATE TABLE graves (
	usn integer not null,
	oid integer not null,
	type integer not null
);
CREATE INDEX ix_notes_usn on notes (usn);
CREATE INDEX ix_cards_usn on cards (usn);
CREATE INDEX ix_revlog_usn on revlog (usn);
CREATE INDEX ix_cards_nid on cards (nid);
CREATE INDEX ix_cards_sched on cards (did, queue, due);
CREATE INDEX ix_revlog_cid on revlog (cid);
CREATE INDEX ix_notes_csum on notes (csum);
`

const cardCSS = `.card {
  font-family: arial;
  font-size: 20px;
  text-align: left;
  color: black;
  background-color: white;
}
img { max-width: 100%; }`

// stableID derives a positive id below 2^52 from name so that repeated
// exports address the same deck and note type.
func stableID(parts ...string) int64 {
	id, _ := strconv.ParseInt(utils.ContentHash(parts...)[:13], 16, 64)
	return id
}

// fieldChecksum is Anki's duplicate check: the first 8 hex digits of the
// SHA1 of the first field with markup removed.
func fieldChecksum(field string) int64 {
	sum := sha1.Sum([]byte(stripHTML(field)))
	v, _ := strconv.ParseInt(hex.EncodeToString(sum[:])[:8], 16, 64)
	return v
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
}

type collectionNote struct {
	guid     string
	fields   []string
	tags     []string
	position int
}

type collectionWriter struct {
	db      *sql.DB
	now     time.Time
	deckID  int64
	modelID int64
}

func createCollection(ctx context.Context, path, deckName string) (*collectionWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection: %w", err)
	}
	if _, err := db.ExecContext(ctx, collectionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create collection schema: %w", err)
	}

	w := &collectionWriter{
		db:      db,
		now:     time.Now(),
		deckID:  stableID("deck", deckName),
		modelID: stableID("model", ModelName),
	}
	if err := w.writeCol(ctx, deckName); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *collectionWriter) writeCol(ctx context.Context, deckName string) error {
	conf := map[string]any{
		"nextPos": 1, "estTimes": true, "activeDecks": []int64{w.deckID},
		"sortType": "noteFld", "timeLim": 0, "sortBackwards": false,
		"addToCur": true, "curDeck": w.deckID, "newBury": true, "newSpread": 0,
		"dueCounts": true, "curModel": strconv.FormatInt(w.modelID, 10), "collapseTime": 1200,
	}

	model := map[string]any{
		"id": w.modelID, "name": ModelName, "type": 0, "mod": w.now.Unix(), "usn": -1,
		"sortf": 0, "did": w.deckID, "css": cardCSS, "tags": []string{}, "vers": []any{},
		"latexPre":  "\\documentclass[12pt]{article}\n\\special{papersize=3in,5in}\n\\usepackage[utf8]{inputenc}\n\\usepackage{amssymb,amsmath}\n\\pagestyle{empty}\n\\setlength{\\parindent}{0in}\n\\begin{document}\n",
		"latexPost": "\\end{document}",
		"flds": []map[string]any{
			{"name": "Question", "ord": 0, "sticky": false, "rtl": false, "font": "Arial", "size": 20, "media": []any{}},
			{"name": "Answer", "ord": 1, "sticky": false, "rtl": false, "font": "Arial", "size": 20, "media": []any{}},
		},
		"tmpls": []map[string]any{{
			"name": "Card 1", "ord": 0, "did": nil, "bqfmt": "", "bafmt": "",
			"qfmt": "{{Question}}",
			"afmt": "{{FrontSide}}\n\n<hr id=answer>\n\n{{Answer}}",
		}},
		"req": []any{[]any{0, "all", []int{0}}},
	}

	deck := func(id int64, name string) map[string]any {
		return map[string]any{
			"id": id, "name": name, "mod": w.now.Unix(), "usn": -1, "desc": "",
			"dyn": 0, "conf": 1, "collapsed": false, "extendNew": 10, "extendRev": 50,
			"lrnToday": []int{0, 0}, "revToday": []int{0, 0}, "newToday": []int{0, 0}, "timeToday": []int{0, 0},
		}
	}

	dconf := map[string]any{"1": map[string]any{
		"id": 1, "name": "Default", "mod": 0, "usn": 0, "maxTaken": 60, "autoplay": true,
		"timer": 0, "replayq": true, "dyn": false,
		"new":   map[string]any{"delays": []int{1, 10}, "ints": []int{1, 4, 7}, "initialFactor": 2500, "order": 1, "perDay": 20},
		"rev":   map[string]any{"perDay": 200, "ease4": 1.3, "fuzz": 0.05, "maxIvl": 36500},
		"lapse": map[string]any{"delays": []int{10}, "mult": 0, "minInt": 1, "leechFails": 8, "leechAction": 0},
	}}

	blobs := make([]string, 0, 4)
	for _, v := range []any{
		conf,
		map[string]any{strconv.FormatInt(w.modelID, 10): model},
		map[string]any{"1": deck(1, "Default"), strconv.FormatInt(w.deckID, 10): deck(w.deckID, deckName)},
		dconf,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode collection metadata: %w", err)
		}
		blobs = append(blobs, string(b))
	}

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO col (id, crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags)
		VALUES (1, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?, '{}')
	`, w.now.Unix(), w.now.UnixMilli(), w.now.UnixMilli(), schemaVersion, blobs[0], blobs[1], blobs[2], blobs[3])
	if err != nil {
		return fmt.Errorf("failed to write collection header: %w", err)
	}
	return nil
}

func (w *collectionWriter) addNote(ctx context.Context, n collectionNote) error {
	base := w.now.UnixMilli()
	noteID := base + int64(n.position)
	tags := ""
	if len(n.tags) > 0 {
		tags = " " + strings.Join(n.tags, " ") + " "
	}

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO notes (id, guid, mid, mod, usn, tags, flds, sfld, csum, flags, data)
		VALUES (?, ?, ?, ?, -1, ?, ?, ?, ?, 0, '')
	`, noteID, n.guid, w.modelID, w.now.Unix(), tags,
		strings.Join(n.fields, fieldSeparator), stripHTML(n.fields[0]), fieldChecksum(n.fields[0]))
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}

	_, err = w.db.ExecContext(ctx, `
		INSERT INTO cards (id, nid, did, ord, mod, usn, type, queue, due, ivl, factor, reps, lapses, left, odue, odid, flags, data)
		VALUES (?, ?, ?, 0, ?, -1, 0, 0, ?, 0, 0, 0, 0, 0, 0, 0, 0, '')
	`, noteID, noteID, w.deckID, w.now.Unix(), n.position+1)
	if err != nil {
		return fmt.Errorf("failed to insert card: %w", err)
	}
	return nil
}

func (w *collectionWriter) Close() error {
	return w.db.Close()
}
