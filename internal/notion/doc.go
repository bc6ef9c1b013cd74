// Package notion writes pipeline results into a Notion database.
//
// The sink resolves the database's property schema once per run, coerces
// template bindings to the declared property types and creates one page per
// message. Page content uses a line-prefix convention: "# " and "## " start
// headings, "* " starts a bulleted item, anything else is a paragraph.
package notion
