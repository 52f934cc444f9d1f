package browser

// The page scripts rely on the DOM of WhatsApp Web plus its internal module
// store when the page has exposed it. Message capture installs a listener
// once and drains its buffer on every poll.

const installScript = `() => {
  if (window.__waGw) return true;
  window.__waGw = { inbox: [] };
  const hook = () => {
    const store = window.Store;
    if (!store || !store.Msg || window.__waGw.hooked) return;
    window.__waGw.hooked = true;
    store.Msg.on('add', (m) => {
      if (!m || !m.isNewMsg) return;
      const chat = m.id.remote._serialized || String(m.id.remote);
      const sender = (m.author && m.author._serialized) || (m.from && m.from._serialized) || chat;
      window.__waGw.inbox.push({
        id: m.id._serialized,
        chatId: chat,
        chatName: (m.chat && m.chat.formattedTitle) || '',
        senderId: sender,
        senderName: (m.senderObj && m.senderObj.pushname) || m.notifyName || '',
        body: m.body || m.caption || '',
        t: m.t || 0,
        isGroup: chat.endsWith('@g.us'),
        fromMe: !!m.id.fromMe,
        hasMedia: !!m.mediaData,
        mimetype: m.mimetype || ''
      });
    });
  };
  setInterval(hook, 1000);
  hook();
  return true;
}`

const snapshotScript = `() => {
  const qrEl = document.querySelector('div[data-ref]');
  const ready = !!document.querySelector('#pane-side');
  const inbox = window.__waGw ? window.__waGw.inbox.splice(0) : [];
  return {
    qr: qrEl ? qrEl.getAttribute('data-ref') : '',
    ready: ready,
    loggedIn: ready || !!localStorage.getItem('last-wid-md'),
    messages: inbox
  };
}`

const chatsScript = `(limit) => {
  const store = window.Store;
  if (!store || !store.Chat) return null;
  let chats = store.Chat.getModelsArray();
  if (limit > 0) chats = chats.slice(0, limit);
  return chats.map((c) => ({
    id: c.id._serialized,
    name: c.formattedTitle || c.name || '',
    isGroup: !!c.isGroup,
    participants: c.groupMetadata && c.groupMetadata.participants ? c.groupMetadata.participants.length : 0,
    description: c.groupMetadata && c.groupMetadata.desc ? c.groupMetadata.desc : '',
    t: c.t || 0
  }));
}`

const sendScript = `async (chatId, text) => {
  const store = window.Store;
  if (!store || !store.Chat || !store.SendMessage) return { error: 'store unavailable' };
  const chat = store.Chat.get(chatId);
  if (!chat) return { error: 'chat not found' };
  const res = await store.SendMessage.sendTextMsgToChat(chat, text);
  const id = res && res.id ? (res.id._serialized || String(res.id)) : '';
  return { id: id };
}`

const readyStateScript = `() => document.readyState`
