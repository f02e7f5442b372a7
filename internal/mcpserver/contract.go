package mcpserver

// RetrievalGuide explains how the calendar tools address events, what
// each retrieval mode returns and which time formats they accept.
const RetrievalGuide = `# Kalendae Retrieval Guide

Events live in collections addressed by path (for example ` + "`" + `/cal/alice` + "`" + `).
Inside a collection each event has a stable ` + "`" + `uid` + "`" + `. A repeating event is
stored once as a *master* with a recurrence rule; every occurrence is
identified by its *recurrence id*, the nominal start of that occurrence.

## Recurrence ids

- Fixed times use UTC: ` + "`" + `20240603T090000Z` + "`" + `
- Floating times (no zone, follow the viewer) omit the Z: ` + "`" + `20240603T090000` + "`" + `
- All-day events are floating midnight: ` + "`" + `20240603T000000` + "`" + `

## Modes

| mode | one result per | contents |
|------|----------------|----------|
| master | event | the stored master only |
| overrides | event | the master plus every modified occurrence |
| expanded | occurrence | the resolved view of each occurrence |

Use ` + "`" + `expanded` + "`" + ` to answer "what is on the calendar between X and Y".
Use ` + "`" + `master` + "`" + ` to see the rule behind a repeating event.

## Time windows

- ` + "`" + `from` + "`" + ` and ` + "`" + `to` + "`" + ` are RFC 3339 timestamps: ` + "`" + `2024-06-03T00:00:00Z` + "`" + `
- The window is half-open: an occurrence ending exactly at ` + "`" + `from` + "`" + ` is excluded.
- ` + "`" + `tz` + "`" + ` is an IANA zone name (` + "`" + `Europe/Berlin` + "`" + `) used to place floating
  events; UTC when omitted.

## Free/busy

` + "`" + `free_busy` + "`" + ` returns merged busy periods typed BUSY or BUSY-TENTATIVE.
Cancelled events are skipped, and transparent events are skipped unless ` + "`" + `include_transparent` + "`" + ` is true.

## Importing

` + "`" + `import_ics` + "`" + ` accepts a VCALENDAR document inline, as a
` + "`" + `data:text/calendar;base64,...` + "`" + ` URI, or as an http(s) URL. Each UID becomes
one event; components with RECURRENCE-ID become modified occurrences.
Importing a UID that already exists replaces it.
`
