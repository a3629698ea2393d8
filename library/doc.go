// Package library is the bundled action set served over the bridge: an
// authors and books catalogue kept in SQLite and exposed as the actions
// get_authors, get_author, create_author, get_books, get_book, create_book
// and update_book_availability.
//
// Two representation versions exist. "v2" adds is_available to books and
// enables the availability filter and update; every other version is
// served as "v1".
package library
