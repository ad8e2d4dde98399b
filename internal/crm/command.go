package crm

import (
	"net/url"
	"strconv"
	"strings"
)

// Field is one entry of a command's "fields" parameter. A Path longer than one
// element addresses a nested value: fields[UF_CRM_TASK][0].
type Field struct {
	Path  []string
	Value string
}

// Fields keeps insertion order so encoded commands are stable.
type Fields []Field

func (f Fields) Set(name, value string) Fields {
	for i := range f {
		if len(f[i].Path) == 1 && f[i].Path[0] == name {
			f[i].Value = value
			return f
		}
	}
	return append(f, Field{Path: []string{name}, Value: value})
}

func (f Fields) SetInt(name string, value int64) Fields {
	return f.Set(name, strconv.FormatInt(value, 10))
}

// SetList writes a list-valued field as name[0], name[1], ...
func (f Fields) SetList(name string, values ...string) Fields {
	for i, v := range values {
		f = append(f, Field{Path: []string{name, strconv.Itoa(i)}, Value: v})
	}
	return f
}

// SetMulti writes the first entry of a multi-field such as PHONE:
// name[0][VALUE].
func (f Fields) SetMulti(name, value string) Fields {
	return append(f, Field{Path: []string{name, "0", "VALUE"}, Value: value})
}

// Get returns the value of a top-level field.
func (f Fields) Get(name string) (string, bool) {
	for _, field := range f {
		if len(field.Path) == 1 && field.Path[0] == name {
			return field.Value, true
		}
	}
	return "", false
}

type Arg struct {
	Name  string
	Value string
}

// Command is a single CRM REST call. Encode is the only place that produces
// the vendor's query-string form.
type Command struct {
	Method string
	Args   []Arg
	Fields Fields
}

func (c Command) Arg(name string) (string, bool) {
	for _, a := range c.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// IsDelete reports whether the command removes an entity or a link.
func (c Command) IsDelete() bool {
	return strings.HasSuffix(c.Method, ".delete")
}

// Encode renders "method?arg=v&fields[NAME]=v" as accepted inside batch.json.
func (c Command) Encode() string {
	var b strings.Builder
	b.WriteString(c.Method)
	sep := byte('?')
	for _, a := range c.Args {
		b.WriteByte(sep)
		sep = '&'
		b.WriteString(url.QueryEscape(a.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(a.Value))
	}
	for _, f := range c.Fields {
		b.WriteByte(sep)
		sep = '&'
		b.WriteString("fields")
		for _, part := range f.Path {
			b.WriteByte('[')
			b.WriteString(url.QueryEscape(part))
			b.WriteByte(']')
		}
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String()
}

func formatID(v int64) string {
	return strconv.FormatInt(v, 10)
}

func GetDeal(dealID int64) Command {
	return Command{Method: "crm.deal.get", Args: []Arg{{"id", formatID(dealID)}}}
}

func GetContact(contactID int64) Command {
	return Command{Method: "crm.contact.get", Args: []Arg{{"id", formatID(contactID)}}}
}

func UpdateDeal(dealID int64, fields Fields) Command {
	return Command{Method: "crm.deal.update", Args: []Arg{{"id", formatID(dealID)}}, Fields: fields}
}

func AddDeal(fields Fields) Command {
	return Command{Method: "crm.deal.add", Fields: fields}
}

func DeleteDeal(dealID int64) Command {
	return Command{Method: "crm.deal.delete", Args: []Arg{{"id", formatID(dealID)}}}
}

// DetachDealContact unlinks a contact from a deal without touching either.
func DetachDealContact(dealID, contactID int64) Command {
	return Command{
		Method: "crm.deal.contact.items.delete",
		Args:   []Arg{{"id", formatID(dealID)}},
		Fields: Fields{}.SetInt("CONTACT_ID", contactID),
	}
}

func UpdateContact(contactID int64, fields Fields) Command {
	return Command{Method: "crm.contact.update", Args: []Arg{{"id", formatID(contactID)}}, Fields: fields}
}

func AddTask(fields Fields) Command {
	return Command{Method: "tasks.task.add", Fields: fields}
}

func DeleteTask(taskID int64) Command {
	return Command{Method: "tasks.task.delete", Args: []Arg{{"taskId", formatID(taskID)}}}
}

// DealBinding is the value tasks use to reference a deal in UF_CRM_TASK.
func DealBinding(dealID int64) string {
	return "D_" + formatID(dealID)
}
